package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationStatus represents the status of migrations.
type MigrationStatus struct {
	UpToDate bool
	Applied  []string
	Pending  []string
	Total    int
}

// CheckMigrations reports which embedded migrations have not been applied yet.
func (s *Store) CheckMigrations(ctx context.Context) (*MigrationStatus, error) {
	if err := s.ensureSchemaMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	migrations, err := listMigrations(s.driver)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}

	status := &MigrationStatus{Total: len(migrations), Pending: []string{}}
	for _, m := range migrations {
		if applied[m.version] {
			status.Applied = append(status.Applied, m.version)
			continue
		}
		status.Pending = append(status.Pending, m.version)
	}
	status.UpToDate = len(status.Pending) == 0
	return status, nil
}

// Migrate applies every pending migration in version order and returns the
// versions it applied.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	status, err := s.CheckMigrations(ctx)
	if err != nil {
		return nil, err
	}
	if status.UpToDate {
		return nil, nil
	}

	migrations, err := listMigrations(s.driver)
	if err != nil {
		return nil, err
	}
	pending := make(map[string]bool, len(status.Pending))
	for _, v := range status.Pending {
		pending[v] = true
	}

	var ran []string
	for _, m := range migrations {
		if !pending[m.version] {
			continue
		}
		if err := s.runMigration(ctx, m); err != nil {
			return ran, fmt.Errorf("run migration %s: %w", m.file, err)
		}
		ran = append(ran, m.version)
	}
	return ran, nil
}

type migration struct {
	version string // e.g. "0001_init"
	file    string
}

// listMigrations picks one file per version: SQLite prefers a
// "<version>_sqlite.sql" variant, Postgres ignores those variants.
func listMigrations(driver string) ([]migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}

	sqliteFiles := map[string]string{}
	regularFiles := map[string]string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if strings.HasSuffix(name, "_sqlite.sql") {
			sqliteFiles[strings.TrimSuffix(name, "_sqlite.sql")] = name
		} else {
			regularFiles[strings.TrimSuffix(name, ".sql")] = name
		}
	}

	versions := map[string]bool{}
	for v := range regularFiles {
		versions[v] = true
	}
	if driver == "sqlite" {
		for v := range sqliteFiles {
			versions[v] = true
		}
	}

	var out []migration
	for v := range versions {
		file := regularFiles[v]
		if driver == "sqlite" {
			if f, ok := sqliteFiles[v]; ok {
				file = f
			}
		}
		out = append(out, migration{version: v, file: file})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (s *Store) ensureSchemaMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

func (s *Store) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// runMigration executes one migration file and records its version in the
// same transaction.
func (s *Store) runMigration(ctx context.Context, m migration) error {
	data, err := migrationFiles.ReadFile("migrations/" + m.file)
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitSQLStatements(string(data)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, m.version, Now(),
	); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// splitSQLStatements splits SQL text on semicolons outside string literals
// and drops comment-only fragments.
func splitSQLStatements(sql string) []string {
	var (
		statements []string
		current    strings.Builder
		inString   bool
	)

	flush := func() {
		stmt := stripComments(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inString = !inString
			current.WriteByte(c)
		case c == ';' && !inString:
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return statements
}

func stripComments(stmt string) string {
	var lines []string
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

package main

import (
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docsearch/internal/app"
)

func (c *cli) newMigrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the embedded schema migrations to the configured SQLite or Postgres
database. Use --status to only report what is pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, c.cfg, c.logger, append(c.appOptions, app.WithoutMigrations())...)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.Store.CheckMigrations(ctx)
			if err != nil {
				return err
			}
			if statusOnly || status.UpToDate {
				if c.outputJSON {
					return c.ui.JSON(status)
				}
				c.ui.KeyValue("driver", a.Store.Driver())
				c.ui.KeyValue("applied", strings.Join(status.Applied, ", "))
				if status.UpToDate {
					c.ui.Success("Schema is up to date")
				} else {
					c.ui.Warning("Pending: %s", strings.Join(status.Pending, ", "))
				}
				return nil
			}

			spin := c.ui.NewSpinner("Applying " + strings.Join(status.Pending, ", "))
			spin.Start()
			ran, err := a.Store.Migrate(ctx)
			spin.Stop()
			if err != nil {
				return err
			}

			c.ui.Success("Applied %d migration(s) on %s", len(ran), a.Store.Driver())
			return c.ui.JSON(map[string]any{"driver": a.Store.Driver(), "applied": ran})
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "only report migration status")
	return cmd
}

func (c *cli) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.outputJSON {
				return c.ui.JSON(map[string]string{
					"version": version,
					"go":      runtime.Version(),
				})
			}
			c.ui.Info("docsearch-cli v%s (%s)", version, runtime.Version())
			return nil
		},
	}
}

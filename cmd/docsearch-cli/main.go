// Package main provides the docsearch CLI entrypoint. Commands run the
// pipeline in-process against the configured database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/docsearch/internal/app"
	"github.com/spherical-ai/docsearch/internal/config"
	"github.com/spherical-ai/docsearch/internal/events"
	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/storage"
)

const version = "0.1.0"

// cli holds the state shared by all commands.
type cli struct {
	cfgFile    string
	outputJSON bool
	noColor    bool
	verbose    bool

	cfg    *config.Config
	logger *observability.Logger
	ui     *UI

	appOptions []app.Option
}

func newRootCmd(opts ...app.Option) *cobra.Command {
	c := &cli{appOptions: opts}

	rootCmd := &cobra.Command{
		Use:   "docsearch-cli",
		Short: "docsearch CLI for document ingestion, OCR and full-text search",
		Long: `docsearch-cli runs the OCR pipeline and search engine in-process.

Use this tool to:
- Ingest PDFs, images and text files
- Follow, inspect and reprocess jobs
- Correct recognized page text
- Search processed pages

All commands support --json for automation.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			c.cfg, err = config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			level := "warn"
			if c.verbose {
				level = c.cfg.Observability.LogLevel
			}
			c.logger = observability.NewLogger(observability.LogConfig{
				Level:       level,
				Format:      "console",
				Output:      cmd.ErrOrStderr(),
				ServiceName: "docsearch-cli",
			})
			c.ui = NewUI(cmd.OutOrStdout(), c.outputJSON, c.noColor)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.ui != nil {
				c.ui.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", os.Getenv("CONFIG_PATH"), "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&c.outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(c.newIngestCmd())
	rootCmd.AddCommand(c.newSearchCmd())
	rootCmd.AddCommand(c.newDocumentsCmd())
	rootCmd.AddCommand(c.newPagesCmd())
	rootCmd.AddCommand(c.newJobCmd())
	rootCmd.AddCommand(c.newReprocessCmd())
	rootCmd.AddCommand(c.newCorrectCmd())
	rootCmd.AddCommand(c.newDeleteCmd())
	rootCmd.AddCommand(c.newWorkCmd())
	rootCmd.AddCommand(c.newMigrateCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp builds the application. With start set the workers run and
// interrupted jobs are recovered; otherwise only the search index is loaded.
func (c *cli) openApp(ctx context.Context, start bool) (*app.App, error) {
	a, err := app.New(ctx, c.cfg, c.logger, c.appOptions...)
	if err != nil {
		return nil, err
	}
	if start {
		err = a.Start(ctx)
	} else {
		_, err = a.Search.Rebuild(ctx, a.Store.Pages, a.Store.Documents)
	}
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// watchJob follows a job until it reaches a terminal state. Events drive
// progress updates; the stored job is polled as well because the event
// stream is best effort.
func watchJob(ctx context.Context, a *app.App, jobID uuid.UUID, onProgress func(job *storage.Job)) (*storage.Job, error) {
	sub, unsubscribe, err := a.Broker.Subscribe(ctx, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	defer unsubscribe()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := a.Store.Jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(job)
		}
		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		case e, ok := <-sub:
			if !ok {
				sub = nil
			} else if onProgress != nil && !e.Terminal() {
				onProgress(eventJob(job, e))
			}
		}
	}
}

// eventJob overlays a progress event on the last stored state.
func eventJob(job *storage.Job, e events.Event) *storage.Job {
	j := *job
	j.Progress = e.Progress
	j.ProcessedPages = e.ProcessedPages
	j.TotalPages = e.TotalPages
	return &j
}

func parseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, raw, err)
	}
	return id, nil
}

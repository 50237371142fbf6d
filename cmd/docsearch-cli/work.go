package main

import (
	"github.com/spf13/cobra"

	"github.com/spherical-ai/docsearch/internal/app"
)

func (c *cli) newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Process queued jobs until interrupted",
		Long: `Work starts the queue workers without the HTTP API, re-dispatches jobs that
are still waiting in the store and fails jobs a crash left active.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, c.cfg, c.logger, c.appOptions...)
			if err != nil {
				return err
			}
			defer a.Close()

			c.ui.Info("Processing jobs with %d workers, press Ctrl+C to stop", c.cfg.Queue.Workers)
			if err := a.Run(ctx); err != nil {
				return err
			}
			stats := a.Queue.Stats()
			c.ui.Success("Stopped after %d completed and %d failed jobs", stats.Completed, stats.Failed)
			return c.ui.JSON(stats)
		},
	}
}

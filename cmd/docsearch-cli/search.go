package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docsearch/internal/search"
)

func (c *cli) newSearchCmd() *cobra.Command {
	var page, limit int

	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Full-text search over processed pages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := c.openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.Search.Search(ctx, search.Query{
				Text:  strings.Join(args, " "),
				Page:  page,
				Limit: limit,
			})
			if err != nil {
				return err
			}

			if c.outputJSON {
				return c.ui.JSON(resp)
			}
			if len(resp.Results) == 0 {
				c.ui.Warning("No matches for %q", resp.Query)
				return nil
			}

			c.ui.Section(fmt.Sprintf("%d matches for %q", resp.Pagination.Total, resp.Query))
			for i, r := range resp.Results {
				c.ui.Step("%d. %s, page %d (score %.3f, confidence %.0f%%)",
					(resp.Pagination.Page-1)*resp.Pagination.Limit+i+1,
					r.DocumentName, r.PageNumber, r.Score, r.Confidence)
				c.ui.KeyValue("snippet", plainSnippet(r.Snippet))
				c.ui.KeyValue("page id", r.PageID)
			}
			if resp.Pagination.Pages > 1 {
				c.ui.Info("Page %d of %d", resp.Pagination.Page, resp.Pagination.Pages)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "result page")
	cmd.Flags().IntVar(&limit, "limit", 0, "results per page (default from config)")
	return cmd
}

// plainSnippet turns highlight markup into terminal-friendly brackets.
func plainSnippet(s string) string {
	return strings.NewReplacer("<mark>", "[", "</mark>", "]").Replace(s)
}

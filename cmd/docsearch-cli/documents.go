package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/docsearch/internal/intake"
	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/storage"
)

func (c *cli) newDocumentsCmd() *cobra.Command {
	var page, limit int

	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List processed documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Intake.ListDocuments(ctx, page, limit)
			if err != nil {
				return err
			}
			if c.outputJSON {
				return c.ui.JSON(list)
			}

			rows := make([][]string, 0, len(list.Documents))
			for _, d := range list.Documents {
				rows = append(rows, []string{
					d.ID.String(),
					d.OriginalName,
					fmt.Sprint(d.TotalPages),
					FormatBytes(d.SizeBytes),
					d.UploadedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			c.ui.Table([]string{"ID", "Name", "Pages", "Size", "Uploaded"}, rows)
			c.ui.Info("Page %d of %d (%d documents)", list.Pagination.Page, max(list.Pagination.Pages, 1), list.Pagination.Total)
			return nil
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "page of the listing")
	cmd.Flags().IntVar(&limit, "limit", 10, "documents per page")
	return cmd
}

func (c *cli) newPagesCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "pages <document-id>",
		Short: "Show the recognized pages of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID("document", args[0])
			if err != nil {
				return err
			}
			a, err := c.openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			pages, err := a.Intake.ListPages(ctx, id)
			if err != nil {
				return err
			}
			if c.outputJSON {
				return c.ui.JSON(pages)
			}
			if len(pages) == 0 {
				c.ui.Warning("No completed pages")
				return nil
			}
			for _, p := range pages {
				c.ui.Section(fmt.Sprintf("page %d", p.PageNumber))
				c.ui.KeyValue("id", p.ID)
				c.ui.KeyValue("confidence", fmt.Sprintf("%.1f%%", p.Confidence))
				text := p.Text
				if !full {
					text = truncate(text, 300)
				}
				c.ui.KeyValue("text", text)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "print the whole page text")
	return cmd
}

func (c *cli) newJobCmd() *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show the status of a job",
		Long:  "Show the status of a job. With --history the argument is a document id and every run over it is listed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if history {
				docID, err := parseID("document", args[0])
				if err != nil {
					return err
				}
				jobs, err := a.Intake.JobHistory(ctx, docID)
				if err != nil {
					return err
				}
				if c.outputJSON {
					return c.ui.JSON(jobs)
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{j.ID.String(), string(j.Status), fmt.Sprintf("%d%%", j.Progress), j.Language, j.CreatedAt.Local().Format("2006-01-02 15:04:05"), j.Error})
				}
				c.ui.Table([]string{"Job", "Status", "Progress", "Language", "Created", "Error"}, rows)
				return nil
			}

			jobID, err := parseID("job", args[0])
			if err != nil {
				return err
			}
			view, err := a.Intake.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			if c.outputJSON {
				return c.ui.JSON(view)
			}
			printJob(c.ui, view)
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "list all jobs of a document")
	return cmd
}

func printJob(ui *UI, view *intake.JobView) {
	ui.Section("job " + view.ID.String())
	ui.KeyValue("status", view.Status)
	ui.KeyValue("progress", fmt.Sprintf("%d%% (%d/%d pages)", view.Progress, view.ProcessedPages, view.TotalPages))
	ui.KeyValue("language", view.Language)
	if view.Preprocess != "" {
		ui.KeyValue("preprocess", view.Preprocess)
	}
	if view.StartedAt != nil && view.CompletedAt != nil {
		ui.KeyValue("duration", FormatDuration(view.CompletedAt.Sub(*view.StartedAt)))
	}
	if view.Error != "" {
		ui.KeyValue("error", view.Error)
	}
	if view.Document != nil {
		ui.KeyValue("document", fmt.Sprintf("%s (%s, %s)", view.Document.OriginalName, view.Document.ID, view.Document.Status))
	}
}

func (c *cli) newReprocessCmd() *cobra.Command {
	var (
		language string
		options  string
		page     string
		noWait   bool
	)

	cmd := &cobra.Command{
		Use:   "reprocess <document-id>",
		Short: "Run OCR again over a document or one page",
		Long: `Reprocess discards the pages of a document and runs a new job with the
given language and preprocessing options. With --page only that page is
recognized again, synchronously.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := preprocess.Parse([]byte(options))
			if err != nil {
				return err
			}
			in := intake.ReprocessInput{Language: language, Preprocess: opts}

			if page != "" {
				return c.reprocessPage(cmd, page, in)
			}
			if len(args) != 1 {
				return fmt.Errorf("a document id is required unless --page is given")
			}
			docID, err := parseID("document", args[0])
			if err != nil {
				return err
			}

			a, err := c.openApp(ctx, !noWait)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Intake.Reprocess(ctx, docID, in)
			if err != nil {
				return err
			}
			if noWait {
				c.ui.Success("Queued job %s", res.JobID)
				return c.ui.JSON(res)
			}

			c.ui.Step("Reprocessing %s as job %s", docID, res.JobID)
			bar := c.ui.NewJobBar("rasterizing")
			job, err := watchJob(ctx, a, res.JobID, func(job *storage.Job) {
				bar.Set(job.Progress, job.ProcessedPages, job.TotalPages)
			})
			if err != nil {
				return err
			}
			bar.Finish()

			view, err := a.Intake.GetJob(ctx, job.ID)
			if err != nil {
				return err
			}
			if c.outputJSON {
				return c.ui.JSON(view)
			}
			printJob(c.ui, view)
			if job.Status == storage.JobStatusFailed {
				return fmt.Errorf("job failed: %s", job.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "", "OCR language (default from config)")
	cmd.Flags().StringVar(&options, "preprocess", "", "preprocess options as JSON")
	cmd.Flags().StringVar(&page, "page", "", "reprocess only this page id")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after queueing")
	return cmd
}

func (c *cli) reprocessPage(cmd *cobra.Command, rawID string, in intake.ReprocessInput) error {
	ctx := cmd.Context()
	pageID, err := parseID("page", rawID)
	if err != nil {
		return err
	}
	a, err := c.openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	page, err := a.Intake.ReprocessPage(ctx, pageID, in)
	if page == nil {
		return err
	}
	if c.outputJSON {
		if jErr := c.ui.JSON(page); jErr != nil {
			return jErr
		}
		return err
	}
	if err != nil {
		c.ui.Error("Page %d failed: %v", page.PageNumber, err)
		return err
	}
	c.ui.Success("Page %d recognized with %.1f%% confidence", page.PageNumber, page.Confidence)
	return nil
}

func (c *cli) newCorrectCmd() *cobra.Command {
	var text, file string

	cmd := &cobra.Command{
		Use:   "correct <page-id>",
		Short: "Replace the text of a page with a verified version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pageID, err := parseID("page", args[0])
			if err != nil {
				return err
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				text = string(data)
			}

			a, err := c.openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.Intake.CorrectPage(ctx, pageID, text)
			if err != nil {
				return err
			}
			if c.outputJSON {
				return c.ui.JSON(page)
			}
			c.ui.Success("Page %d corrected", page.PageNumber)
			return nil
		},
	}

	cmd.Flags().StringVarP(&text, "text", "t", "", "corrected text")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read corrected text from a file")
	cmd.MarkFlagsMutuallyExclusive("text", "file")
	cmd.MarkFlagsOneRequired("text", "file")
	return cmd
}

func (c *cli) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document with its pages, jobs and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID("document", args[0])
			if err != nil {
				return err
			}
			a, err := c.openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Intake.DeleteDocument(ctx, id); err != nil {
				return err
			}
			c.ui.Success("Deleted document %s", id)
			return c.ui.JSON(map[string]string{"deleted": id.String()})
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

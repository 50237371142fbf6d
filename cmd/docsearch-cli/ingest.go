package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"golang.org/x/sync/errgroup"

	"github.com/spherical-ai/docsearch/internal/app"
	"github.com/spherical-ai/docsearch/internal/intake"
	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/storage"
)

// IngestResult is the outcome of one ingested file.
type IngestResult struct {
	File       string `json:"file"`
	DocumentID string `json:"documentId,omitempty"`
	JobID      string `json:"jobId,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Status     string `json:"status"`
	TotalPages int    `json:"totalPages,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (c *cli) newIngestCmd() *cobra.Command {
	var (
		language  string
		options   string
		noWait    bool
		mediaType string
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Upload files and run OCR on them",
		Long: `Ingest stores each file, skips content that is already known and runs the
OCR pipeline in-process. By default the command waits until every job
finishes and shows per-file page progress.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			opts, err := preprocess.Parse([]byte(options))
			if err != nil {
				return err
			}

			// with --no-wait the jobs stay queued in the store for a worker
			a, err := c.openApp(ctx, !noWait)
			if err != nil {
				return err
			}
			defer a.Close()

			results := make([]*IngestResult, len(args))
			for i, path := range args {
				results[i] = c.uploadFile(ctx, a, path, mediaType, language, opts)
			}

			if noWait {
				c.ui.Info("Jobs are queued; run the API server or `docsearch-cli work` to process them")
			} else if err := c.waitAll(ctx, a, results); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Status == string(storage.JobStatusFailed) || r.Status == "rejected" {
					failed++
				}
			}

			if c.outputJSON {
				if err := c.ui.JSON(results); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					detail := r.Error
					if r.Duplicate {
						detail = "duplicate"
					}
					rows = append(rows, []string{filepath.Base(r.File), r.DocumentID, r.Status, fmt.Sprint(r.TotalPages), detail})
				}
				c.ui.Table([]string{"File", "Document", "Status", "Pages", "Detail"}, rows)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "", "OCR language (default from config)")
	cmd.Flags().StringVar(&options, "preprocess", "", `preprocess options as JSON, e.g. '{"rotate":90,"binarize":true}'`)
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return after queueing instead of waiting for completion")
	cmd.Flags().StringVar(&mediaType, "type", "", "media type override (default from file extension)")

	return cmd
}

func (c *cli) uploadFile(ctx context.Context, a *app.App, path, mediaType, language string, opts *preprocess.Options) *IngestResult {
	res := &IngestResult{File: path}

	f, err := os.Open(path)
	if err != nil {
		res.Status, res.Error = "rejected", err.Error()
		c.ui.Error("%s: %v", path, err)
		return res
	}
	defer f.Close()

	up, err := a.Intake.Upload(ctx, intake.UploadInput{
		Filename:   filepath.Base(path),
		MediaType:  mediaType,
		Body:       f,
		Language:   language,
		Preprocess: opts,
	})
	if err != nil {
		res.Status, res.Error = "rejected", err.Error()
		c.ui.Error("%s: %v", path, err)
		return res
	}

	res.DocumentID = up.DocumentID.String()
	res.JobID = up.JobID.String()
	res.Duplicate = up.Duplicate
	res.Status = string(storage.JobStatusWaiting)
	if up.Duplicate {
		c.ui.Info("%s already stored as %s", filepath.Base(path), up.DocumentID)
	} else {
		c.ui.Step("Queued %s as job %s", filepath.Base(path), up.JobID)
	}
	return res
}

// waitAll follows every queued job with one page bar per file.
func (c *cli) waitAll(ctx context.Context, a *app.App, results []*IngestResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, r := range results {
		if r.JobID == "" {
			continue
		}
		jobID, err := parseID("job", r.JobID)
		if err != nil {
			return err
		}
		bar := c.ui.PageBar(filepath.Base(r.File))

		g.Go(func() error {
			job, err := watchJob(gctx, a, jobID, func(job *storage.Job) {
				updateBar(bar, job)
			})
			if err != nil {
				abortBar(bar)
				return err
			}
			finishBar(bar, job)

			mu.Lock()
			defer mu.Unlock()
			r.Status = string(job.Status)
			r.TotalPages = job.TotalPages
			r.Error = job.Error
			return nil
		})
	}
	return g.Wait()
}

func updateBar(bar *mpb.Bar, job *storage.Job) {
	if bar == nil || job.TotalPages == 0 {
		return
	}
	bar.SetTotal(int64(job.TotalPages), false)
	bar.SetCurrent(int64(job.ProcessedPages))
}

func finishBar(bar *mpb.Bar, job *storage.Job) {
	if bar == nil {
		return
	}
	if job.Status == storage.JobStatusFailed {
		bar.Abort(false)
		return
	}
	bar.SetTotal(-1, true)
}

func abortBar(bar *mpb.Bar) {
	if bar != nil {
		bar.Abort(false)
	}
}

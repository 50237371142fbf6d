package main

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
)

// JobBar shows the page progress of a single job on stderr.
type JobBar struct {
	bar *progressbar.ProgressBar
}

// NewJobBar creates a progress bar in percent. Returns nil when stdout is not
// a terminal or output is JSON.
func (ui *UI) NewJobBar(description string) *JobBar {
	if ui.jsonMode || !IsTerminal() {
		return nil
	}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(!ui.noColor),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		progressbar.OptionSetRenderBlankState(true),
	)
	return &JobBar{bar: bar}
}

// Set moves the bar to percent and updates the page counter.
func (b *JobBar) Set(percent, processed, total int) {
	if b == nil {
		return
	}
	if total > 0 {
		b.bar.Describe(fmt.Sprintf("page %d/%d", processed, total))
	}
	_ = b.bar.Set(percent)
}

// Finish completes the bar.
func (b *JobBar) Finish() {
	if b == nil {
		return
	}
	_ = b.bar.Finish()
}

// Spinner wraps a spinner for indeterminate work on stderr.
type Spinner struct {
	spinner *spinner.Spinner
}

// NewSpinner creates a spinner, or nil when output is not interactive.
func (ui *UI) NewSpinner(message string) *Spinner {
	if ui.jsonMode || !IsTerminal() {
		return nil
	}
	s := spinner.New(spinner.CharSets[11], 120*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	return &Spinner{spinner: s}
}

// Start and Stop are no-ops on a nil Spinner.
func (s *Spinner) Start() {
	if s != nil {
		s.spinner.Start()
	}
}

func (s *Spinner) Stop() {
	if s != nil {
		s.spinner.Stop()
	}
}

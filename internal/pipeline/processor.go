// Package pipeline turns a stored document into per-page text records. The
// Orchestrator drives one job end to end; the PageProcessor handles a
// single page.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/spherical-ai/docsearch/internal/observability"
	"github.com/spherical-ai/docsearch/internal/ocr"
	"github.com/spherical-ai/docsearch/internal/preprocess"
	"github.com/spherical-ai/docsearch/internal/rasterize"
)

const (
	// FallbackText stands in for a page whose extraction produced no text, so
	// every completed page has something to index.
	FallbackText = "[No text could be extracted from this page]"

	// TextSourceConfidence is reported for plain-text sources, which skip recognition.
	TextSourceConfidence = 95.0
)

// PageInput is everything needed to process one page.
type PageInput struct {
	Image      rasterize.PageImage
	Language   string
	Preprocess *preprocess.Options
}

// PageResult is the text extracted from one page.
type PageResult struct {
	Text       string
	Confidence float64
	TextBlocks []ocr.TextBlock
}

// PageError is a failure confined to one page. The job carries on.
type PageError struct {
	PageNumber int
	Stage      string // read, preprocess, recognize
	Err        error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %s: %v", e.PageNumber, e.Stage, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// PageProcessor runs preprocessing and recognition for a single page.
type PageProcessor struct {
	recognizer ocr.Recognizer
	logger     *observability.Logger
}

// NewPageProcessor creates a page processor backed by recognizer.
func NewPageProcessor(recognizer ocr.Recognizer, logger *observability.Logger) *PageProcessor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &PageProcessor{recognizer: recognizer, logger: logger}
}

// Process extracts text from one page. Plain-text pages are decoded
// directly; image pages go through preprocessing and recognition.
func (p *PageProcessor) Process(ctx context.Context, in PageInput) (PageResult, error) {
	if in.Image.Kind == rasterize.KindText {
		return PageResult{
			Text:       decodeText(in.Image.Path),
			Confidence: TextSourceConfidence,
			TextBlocks: []ocr.TextBlock{},
		}, nil
	}

	data, err := os.ReadFile(in.Image.Path)
	if err != nil {
		return PageResult{}, &PageError{PageNumber: in.Image.PageNumber, Stage: "read", Err: err}
	}

	data, err = preprocess.Process(ctx, data, in.Preprocess)
	if err != nil {
		return PageResult{}, &PageError{PageNumber: in.Image.PageNumber, Stage: "preprocess", Err: err}
	}

	res, err := p.recognizer.Recognize(ctx, data, in.Language)
	if err != nil {
		return PageResult{}, &PageError{PageNumber: in.Image.PageNumber, Stage: "recognize", Err: err}
	}
	res = ocr.Normalize(res)

	text := res.Text
	if text == "" {
		p.logger.Debug().Int("page", in.Image.PageNumber).Msg("Recognition returned no text, using fallback")
		text = FallbackText
	}

	return PageResult{Text: text, Confidence: res.Confidence, TextBlocks: res.TextBlocks}, nil
}

// decodeText reads a text file as UTF-8, honoring a UTF-8 or UTF-16 byte
// order mark. Unreadable or blank content yields FallbackText.
func decodeText(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FallbackText
	}

	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(raw), decoder))
	if err != nil {
		return FallbackText
	}

	text := string(decoded)
	if strings.TrimSpace(text) == "" {
		return FallbackText
	}
	return text
}

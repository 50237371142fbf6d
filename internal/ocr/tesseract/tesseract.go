// Package tesseract implements ocr.Recognizer on top of the gosseract client.
package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/spherical-ai/docsearch/internal/ocr"
)

// Engine recognizes text with a fresh Tesseract client per call. gosseract
// clients are not safe for concurrent use, and workers run pages in parallel
// across jobs.
type Engine struct {
	clientFactory func() *gosseract.Client
	variables     map[string]string
}

// Option configures an Engine.
type Option func(*Engine)

// WithVariable sets a Tesseract variable (e.g. "user_defined_dpi") on every client.
func WithVariable(key, value string) Option {
	return func(e *Engine) {
		e.variables[key] = value
	}
}

// New constructs a Tesseract-backed recognizer.
func New(opts ...Option) *Engine {
	e := &Engine{
		clientFactory: gosseract.NewClient,
		variables:     map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recognize performs OCR on a single encoded image.
func (e *Engine) Recognize(ctx context.Context, image []byte, language string) (ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return ocr.Result{}, err
	}

	c := e.clientFactory()
	defer c.Close()

	if language != "" {
		if err := c.SetLanguage(language); err != nil {
			return ocr.Result{}, fmt.Errorf("set language %q: %w", language, err)
		}
	}
	for k, v := range e.variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return ocr.Result{}, fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	if err := c.SetImageFromBytes(image); err != nil {
		return ocr.Result{}, fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return ocr.Result{}, fmt.Errorf("recognize text: %w", err)
	}

	blocks, err := c.GetBoundingBoxes(gosseract.RIL_BLOCK)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("block boxes: %w", err)
	}

	words, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return ocr.Result{}, fmt.Errorf("word boxes: %w", err)
	}

	return ocr.Normalize(ocr.Result{
		Text:       text,
		Confidence: meanConfidence(words),
		TextBlocks: toTextBlocks(blocks),
	}), nil
}

func toTextBlocks(boxes []gosseract.BoundingBox) []ocr.TextBlock {
	out := make([]ocr.TextBlock, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, ocr.TextBlock{
			Text:       b.Word,
			Confidence: b.Confidence,
			BBox: ocr.BoundingBox{
				X0:         b.Box.Min.X,
				Y0:         b.Box.Min.Y,
				X1:         b.Box.Max.X,
				Y1:         b.Box.Max.Y,
				Confidence: b.Confidence,
			},
		})
	}
	return out
}

// meanConfidence averages word confidences, which Tesseract reports on a 0-100 scale.
func meanConfidence(words []gosseract.BoundingBox) float64 {
	if len(words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

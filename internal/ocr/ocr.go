// Package ocr defines the contract between the processing pipeline and a
// text-recognition engine: an encoded image goes in, text with an overall
// confidence and positioned text blocks comes out.
package ocr

import (
	"context"
	"strings"
)

// BoundingBox locates a text block on the page image, in pixels.
type BoundingBox struct {
	X0         int     `json:"x0"`
	Y0         int     `json:"y0"`
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	Confidence float64 `json:"confidence"`
}

// TextBlock is a recognized fragment of text.
type TextBlock struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// Result is the output of a single recognition call. Confidence is on a 0-100 scale.
type Result struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TextBlocks []TextBlock `json:"textBlocks"`
}

// Recognizer runs text recognition on an encoded image (PNG, JPEG, TIFF...).
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, language string) (Result, error)
}

// RecognizerFunc adapts a plain function to the Recognizer interface.
type RecognizerFunc func(ctx context.Context, image []byte, language string) (Result, error)

// Recognize calls f.
func (f RecognizerFunc) Recognize(ctx context.Context, image []byte, language string) (Result, error) {
	return f(ctx, image, language)
}

// Normalize trims the text, drops blocks without text and clamps confidences to 0-100.
func Normalize(r Result) Result {
	out := Result{
		Text:       strings.TrimSpace(r.Text),
		Confidence: clamp(r.Confidence),
		TextBlocks: make([]TextBlock, 0, len(r.TextBlocks)),
	}
	for _, b := range r.TextBlocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		b.Text = text
		b.Confidence = clamp(b.Confidence)
		b.BBox.Confidence = clamp(b.BBox.Confidence)
		out.TextBlocks = append(out.TextBlocks, b)
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

package rasterize

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical-ai/docsearch/internal/observability"
)

// FitzRasterizer renders PDF pages with MuPDF via go-fitz.
type FitzRasterizer struct {
	outDir string
	dpi    float64
	logger *observability.Logger
}

// NewFitzRasterizer writes rendered pages under outDir/<documentID>/ at the given DPI.
func NewFitzRasterizer(outDir string, dpi int, logger *observability.Logger) *FitzRasterizer {
	if dpi <= 0 {
		dpi = 300
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &FitzRasterizer{outDir: outDir, dpi: float64(dpi), logger: logger}
}

// PageDir returns the directory holding a document's rendered pages.
func (r *FitzRasterizer) PageDir(documentID string) string {
	return filepath.Join(r.outDir, filepath.Base(documentID))
}

// Rasterize implements Rasterizer.
func (r *FitzRasterizer) Rasterize(ctx context.Context, documentID, sourcePath, mediaType string) ([]PageImage, error) {
	if err := ValidateSource(sourcePath); err != nil {
		return nil, err
	}

	kind, err := Classify(mediaType)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindImage, KindText:
		return []PageImage{{PageNumber: 1, Path: sourcePath, Kind: kind}}, nil
	default:
		return r.renderPDF(ctx, documentID, sourcePath)
	}
}

func (r *FitzRasterizer) renderPDF(ctx context.Context, documentID, sourcePath string) ([]PageImage, error) {
	doc, err := fitz.New(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, ErrNoPages
	}

	// a rerun replaces whatever an earlier run rendered
	dir := r.PageDir(documentID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear page dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create page dir: %w", err)
	}

	images := make([]PageImage, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.ImageDPI(i, r.dpi)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}

		outputPath := filepath.Join(dir, fmt.Sprintf("page-%03d.png", i+1))
		out, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("create image for page %d: %w", i+1, err)
		}
		err = png.Encode(out, img)
		closeErr := out.Close()
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("write page %d: %w", i+1, closeErr)
		}

		bounds := img.Bounds()
		images = append(images, PageImage{
			PageNumber: i + 1,
			Path:       outputPath,
			Kind:       KindImage,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
		})
	}

	r.logger.Debug().
		Str("document_id", documentID).
		Int("pages", len(images)).
		Msg("Rasterized PDF")

	return images, nil
}

// Cleanup removes a document's rendered pages.
func (r *FitzRasterizer) Cleanup(documentID string) error {
	if err := os.RemoveAll(r.PageDir(documentID)); err != nil {
		return fmt.Errorf("remove page dir: %w", err)
	}
	return nil
}

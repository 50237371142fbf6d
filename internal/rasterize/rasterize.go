// Package rasterize turns a stored source file into an ordered list of page
// images. Paged sources (PDF) yield one PNG per page; images and plain text
// are passed through as a single pseudo-page.
package rasterize

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

var (
	// ErrNoPages is returned for a paged source that contains no pages.
	ErrNoPages = errors.New("source has no pages")
	// ErrUnsupportedMediaType is returned for sources that cannot be rasterized.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrInvalidSource is returned when the source file is missing or unreadable.
	ErrInvalidSource = errors.New("invalid source file")
)

// SourceKind classifies how a source is turned into pages.
type SourceKind string

const (
	KindPDF   SourceKind = "pdf"
	KindImage SourceKind = "image"
	KindText  SourceKind = "text"
)

// PageImage is one rasterized page.
type PageImage struct {
	PageNumber int // 1-based
	Path       string
	Kind       SourceKind // KindImage for rendered PDF pages and images, KindText for text
	Width      int
	Height     int
}

// Rasterizer converts a source into ordered page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, documentID, sourcePath, mediaType string) ([]PageImage, error)
}

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/tiff": true,
	"image/bmp":  true,
	"image/webp": true,
}

var extTypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".txt":  "text/plain",
	".text": "text/plain",
	".md":   "text/plain",
}

// MediaType resolves the media type of an upload from its declared type,
// falling back to the file extension when the declared type is missing or generic.
func MediaType(declared, filename string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if mt, ok := extTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}
	return "application/octet-stream"
}

// Classify maps a media type to a source kind.
func Classify(mediaType string) (SourceKind, error) {
	switch {
	case mediaType == "application/pdf":
		return KindPDF, nil
	case imageTypes[mediaType]:
		return KindImage, nil
	case strings.HasPrefix(mediaType, "text/"):
		return KindText, nil
	default:
		return "", fmt.Errorf("%s: %w", mediaType, ErrUnsupportedMediaType)
	}
}

package rasterize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalPDF is a one-page PDF with a single line of text.
const minimalPDF = `%PDF-1.4
1 0 obj
<< /Type /Catalog /Pages 2 0 R >>
endobj
2 0 obj
<< /Type /Pages /Kids [3 0 R] /Count 1 >>
endobj
3 0 obj
<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 100] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>
endobj
4 0 obj
<< /Length 39 >>
stream
BT /F1 18 Tf 20 50 Td (Hello PDF) Tj ET
endstream
endobj
5 0 obj
<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>
endobj
trailer
<< /Root 1 0 R /Size 6 >>
%%EOF
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, "application/pdf", MediaType("application/pdf", "x.bin"))
	assert.Equal(t, "text/plain", MediaType("text/plain; charset=utf-8", "x"))
	assert.Equal(t, "image/png", MediaType("application/octet-stream", "scan.PNG"))
	assert.Equal(t, "image/jpeg", MediaType("", "photo.jpeg"))
	assert.Equal(t, "application/octet-stream", MediaType("", "archive.zip"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		mediaType string
		want      SourceKind
		wantErr   bool
	}{
		{"application/pdf", KindPDF, false},
		{"image/png", KindImage, false},
		{"image/tiff", KindImage, false},
		{"text/plain", KindText, false},
		{"text/markdown", KindText, false},
		{"application/zip", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			got, err := Classify(tt.mediaType)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedMediaType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateSource(t *testing.T) {
	assert.ErrorIs(t, ValidateSource(""), ErrInvalidSource)
	assert.ErrorIs(t, ValidateSource(filepath.Join(t.TempDir(), "missing")), ErrInvalidSource)
	assert.ErrorIs(t, ValidateSource(t.TempDir()), ErrInvalidSource)
	assert.ErrorIs(t, ValidateSource(writeFile(t, "empty.txt", "")), ErrInvalidSource)
	assert.NoError(t, ValidateSource(writeFile(t, "ok.txt", "hello")))
}

func TestFitzRasterizer_PassThroughSources(t *testing.T) {
	r := NewFitzRasterizer(t.TempDir(), 72, nil)

	txt := writeFile(t, "notes.txt", "plain text")
	pages, err := r.Rasterize(context.Background(), "doc-1", txt, "text/plain")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, 1, pages[0].PageNumber)
	assert.Equal(t, txt, pages[0].Path)
	assert.Equal(t, KindText, pages[0].Kind)

	img := writeFile(t, "scan.png", "not really a png but non-empty")
	pages, err = r.Rasterize(context.Background(), "doc-2", img, "image/png")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, KindImage, pages[0].Kind)
}

func TestFitzRasterizer_Errors(t *testing.T) {
	r := NewFitzRasterizer(t.TempDir(), 72, nil)

	_, err := r.Rasterize(context.Background(), "doc", writeFile(t, "a.zip", "PK"), "application/zip")
	assert.ErrorIs(t, err, ErrUnsupportedMediaType)

	_, err = r.Rasterize(context.Background(), "doc", filepath.Join(t.TempDir(), "gone.pdf"), "application/pdf")
	assert.ErrorIs(t, err, ErrInvalidSource)

	_, err = r.Rasterize(context.Background(), "doc", writeFile(t, "bad.pdf", "garbage"), "application/pdf")
	assert.Error(t, err)
}

func TestFitzRasterizer_RendersPDF(t *testing.T) {
	out := t.TempDir()
	r := NewFitzRasterizer(out, 72, nil)

	src := writeFile(t, "one.pdf", minimalPDF)
	pages, err := r.Rasterize(context.Background(), "doc-pdf", src, "application/pdf")
	require.NoError(t, err)
	require.Len(t, pages, 1)

	assert.Equal(t, 1, pages[0].PageNumber)
	assert.Equal(t, KindImage, pages[0].Kind)
	assert.Equal(t, filepath.Join(out, "doc-pdf", "page-001.png"), pages[0].Path)
	assert.Greater(t, pages[0].Width, 0)
	assert.FileExists(t, pages[0].Path)

	require.NoError(t, r.Cleanup("doc-pdf"))
	assert.NoDirExists(t, filepath.Join(out, "doc-pdf"))
}

func TestInspectPDF_RejectsGarbage(t *testing.T) {
	_, err := InspectPDF(writeFile(t, "bad.pdf", "this is not a pdf"))
	assert.ErrorIs(t, err, ErrInvalidSource)
}

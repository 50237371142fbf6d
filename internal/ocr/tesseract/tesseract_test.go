package tesseract

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os/exec"
	"strings"
	"testing"

	"github.com/otiai10/gosseract/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ensureTesseractAvailable checks that the tesseract binary is reachable.
func ensureTesseractAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed in PATH")
	}
}

func renderText(t *testing.T, text string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 320, 80))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 45),
	}
	d.DrawString(text)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEngine_Recognize(t *testing.T) {
	ensureTesseractAvailable(t)

	engine := New(WithVariable("user_defined_dpi", "300"))
	res, err := engine.Recognize(context.Background(), renderText(t, "HELLO SEARCH"), "eng")
	require.NoError(t, err)

	assert.Contains(t, strings.ToUpper(res.Text), "HELLO")
	assert.GreaterOrEqual(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 100.0)
	for _, b := range res.TextBlocks {
		assert.NotEmpty(t, b.Text)
		assert.LessOrEqual(t, b.BBox.X0, b.BBox.X1)
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Recognize(ctx, []byte("not used"), "eng")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMeanConfidence(t *testing.T) {
	assert.Equal(t, 0.0, meanConfidence(nil))

	words := []gosseract.BoundingBox{
		{Word: "a", Confidence: 90},
		{Word: "b", Confidence: 70},
	}
	assert.Equal(t, 80.0, meanConfidence(words))
}

func TestToTextBlocks(t *testing.T) {
	blocks := toTextBlocks([]gosseract.BoundingBox{
		{Box: image.Rect(5, 6, 50, 20), Word: "Total due", Confidence: 88},
	})

	require.Len(t, blocks, 1)
	assert.Equal(t, "Total due", blocks[0].Text)
	assert.Equal(t, 5, blocks[0].BBox.X0)
	assert.Equal(t, 6, blocks[0].BBox.Y0)
	assert.Equal(t, 50, blocks[0].BBox.X1)
	assert.Equal(t, 20, blocks[0].BBox.Y1)
	assert.Equal(t, 88.0, blocks[0].BBox.Confidence)
}

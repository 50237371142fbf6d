package ocr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	in := Result{
		Text:       "  Invoice 42 \n",
		Confidence: 104,
		TextBlocks: []TextBlock{
			{Text: " Invoice 42 ", Confidence: 91.5, BBox: BoundingBox{X0: 1, Y0: 2, X1: 30, Y1: 12, Confidence: 91.5}},
			{Text: "   ", Confidence: 10},
			{Text: "Total", Confidence: -3, BBox: BoundingBox{Confidence: -3}},
		},
	}

	out := Normalize(in)

	assert.Equal(t, "Invoice 42", out.Text)
	assert.Equal(t, 100.0, out.Confidence)
	require.Len(t, out.TextBlocks, 2)
	assert.Equal(t, "Invoice 42", out.TextBlocks[0].Text)
	assert.Equal(t, 30, out.TextBlocks[0].BBox.X1)
	assert.Equal(t, 0.0, out.TextBlocks[1].Confidence)
	assert.Equal(t, 0.0, out.TextBlocks[1].BBox.Confidence)
}

func TestRecognizerFunc(t *testing.T) {
	var gotLang string
	r := RecognizerFunc(func(_ context.Context, img []byte, language string) (Result, error) {
		gotLang = language
		return Result{Text: string(img)}, nil
	})

	res, err := r.Recognize(context.Background(), []byte("abc"), "deu")
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Text)
	assert.Equal(t, "deu", gotLang)
}

package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	// decoders for page images
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decode reads any supported page image format.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Apply runs the enabled operations on img in order.
func Apply(ctx context.Context, img image.Image, o Options) (image.Image, error) {
	steps := []struct {
		enabled bool
		run     func(image.Image) image.Image
	}{
		{o.Rotate%360 != 0, func(i image.Image) image.Image { return Rotate(i, float64(o.Rotate)) }},
		{o.Binarize, func(i image.Image) image.Image { return Binarize(i, o.Threshold) }},
		{o.Denoise, func(i image.Image) image.Image { return Denoise(i) }},
		{o.Deskew, Deskew},
	}

	for _, s := range steps {
		if !s.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img = s.run(img)
	}
	return img, nil
}

// Process decodes an encoded image, applies o and returns PNG bytes. With
// nil or inactive options the input is returned untouched.
func Process(ctx context.Context, data []byte, o *Options) ([]byte, error) {
	if o == nil || !o.Active() {
		return data, nil
	}

	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}

	out, err := Apply(ctx, img, *o)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

package preprocess

import (
	"image"
	"image/color"
	"math"
	"sort"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Rotate turns img clockwise by degrees. Multiples of 90 are exact pixel
// moves; other angles are resampled bilinearly onto a white canvas large
// enough to hold the whole page.
func Rotate(img image.Image, degrees float64) image.Image {
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	switch d {
	case 0:
		return img
	case 90, 180, 270:
		return rotateRight(img, int(d)/90)
	}
	return rotateAny(img, d, draw.BiLinear)
}

func rotateRight(img image.Image, quarters int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.RGBA
	if quarters%2 == 1 {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			switch quarters {
			case 1:
				dst.Set(h-1-y, x, c)
			case 2:
				dst.Set(w-1-x, h-1-y, c)
			case 3:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst
}

func rotateAny(img image.Image, degrees float64, interp draw.Transformer) *image.RGBA {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	rad := degrees * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	nw := int(math.Ceil(math.Abs(w*cos) + math.Abs(h*sin)))
	nh := int(math.Ceil(math.Abs(w*sin) + math.Abs(h*cos)))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	// src -> dst: translate source center to origin, rotate, move to dst center
	csx, csy := float64(b.Min.X)+w/2, float64(b.Min.Y)+h/2
	cdx, cdy := float64(nw)/2, float64(nh)/2
	m := f64.Aff3{
		cos, -sin, cdx - (cos*csx - sin*csy),
		sin, cos, cdy - (sin*csx + cos*csy),
	}
	interp.Transform(dst, m, img, b, draw.Src, nil)
	return dst
}

// toGray converts img to 8-bit luminance.
func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return g
}

// Binarize maps every pixel to black or white: luminance at or above
// threshold becomes white.
func Binarize(img image.Image, threshold int) *image.Gray {
	g := toGray(img)
	out := image.NewGray(g.Bounds())
	for i, v := range g.Pix {
		if int(v) >= threshold {
			out.Pix[i] = 0xff
		}
	}
	return out
}

// Denoise applies a 3x3 median filter on luminance, removing isolated specks.
func Denoise(img image.Image) *image.Gray {
	g := toGray(img)
	b := g.Bounds()
	out := image.NewGray(b)
	var window [9]uint8

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					px, py := clampInt(x+dx, b.Min.X, b.Max.X-1), clampInt(y+dy, b.Min.Y, b.Max.Y-1)
					window[n] = g.GrayAt(px, py).Y
					n++
				}
			}
			s := window[:]
			sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
			out.SetGray(x, y, color.Gray{Y: s[4]})
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const (
	deskewMaxAngle = 5.0
	deskewStep     = 0.5
	deskewMaxWidth = 400
)

// DetectSkew estimates the clockwise rotation, within ±5°, that best aligns
// text lines horizontally. It maximizes the variance of dark-pixel row
// counts on a downscaled copy of the page.
func DetectSkew(img image.Image) float64 {
	small := toGray(downscale(img, deskewMaxWidth))

	best, bestScore := 0.0, rowScore(small)
	for a := -deskewMaxAngle; a <= deskewMaxAngle; a += deskewStep {
		if a == 0 {
			continue
		}
		score := rowScore(toGray(rotateAny(small, a, draw.ApproxBiLinear)))
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// Deskew rotates img by the detected skew angle.
func Deskew(img image.Image) image.Image {
	angle := DetectSkew(img)
	if angle == 0 {
		return img
	}
	return rotateAny(img, angle, draw.BiLinear)
}

func downscale(img image.Image, maxWidth int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return img
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// rowScore is the sum of squared differences between consecutive row ink
// counts; sharp line boundaries score high.
func rowScore(g *image.Gray) float64 {
	b := g.Bounds()
	prev := -1
	var score float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		ink := 0
		for x := b.Min.X; x < b.Max.X; x++ {
			if g.GrayAt(x, y).Y < 128 {
				ink++
			}
		}
		if prev >= 0 {
			d := float64(ink - prev)
			score += d * d
		}
		prev = ink
	}
	return score
}

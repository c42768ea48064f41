package redact

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Mask copies src into a new RGBA image and fills every box with an opaque
// fill colour. Boxes are clipped to the image bounds; pixels outside all
// boxes are left untouched.
func Mask(src image.Image, boxes []image.Rectangle, fill color.Color) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	paint := image.NewUniform(opaque(fill))
	for _, box := range boxes {
		r := box.Canon().Intersect(b)
		if r.Empty() {
			continue
		}
		draw.Draw(dst, r, paint, image.Point{}, draw.Src)
	}
	return dst
}

// Scale resamples src by factor with Catmull-Rom interpolation. The result
// starts at the origin.
func Scale(src image.Image, factor float64) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0,
		int(math.Round(float64(b.Dx())*factor)),
		int(math.Round(float64(b.Dy())*factor))))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Unscale maps r from an image scaled by factor back onto the source image,
// rounding outwards so the source box covers everything r covered.
func Unscale(r image.Rectangle, factor float64, origin image.Point) image.Rectangle {
	if factor <= 0 {
		return r
	}
	return image.Rect(
		int(math.Floor(float64(r.Min.X)/factor)),
		int(math.Floor(float64(r.Min.Y)/factor)),
		int(math.Ceil(float64(r.Max.X)/factor)),
		int(math.Ceil(float64(r.Max.Y)/factor)),
	).Add(origin)
}

// Pad grows r by n pixels on every side.
func Pad(r image.Rectangle, n int) image.Rectangle {
	if n <= 0 {
		return r
	}
	return image.Rect(r.Min.X-n, r.Min.Y-n, r.Max.X+n, r.Max.Y+n)
}

func opaque(c color.Color) color.Color {
	if c == nil {
		return color.Black
	}
	r, g, b, _ := c.RGBA()
	return color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: 0xffff}
}

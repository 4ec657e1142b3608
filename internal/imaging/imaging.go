// Package imaging encodes and scales captured desktop frames.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// EncodeJPEG encodes an image as JPEG with the specified quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes an image as PNG (lossless).
func EncodePNG(img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode dispatches on the format name ("png" or "jpeg").
func Encode(img image.Image, format string, quality int) ([]byte, error) {
	switch format {
	case "png":
		return EncodePNG(img)
	case "jpeg", "jpg":
		return EncodeJPEG(img, quality)
	default:
		return nil, fmt.Errorf("unknown image format %q", format)
	}
}

// Resize scales an image to the given dimensions with bilinear filtering.
// Returns the input unchanged when it already has the requested size.
func Resize(img image.Image, width, height int) image.Image {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// Scale resizes an image by a factor in (0, 1]. Factors at or above 1 return
// the input unchanged.
func Scale(img image.Image, factor float64) image.Image {
	if factor >= 1.0 {
		return img
	}
	if factor <= 0 {
		factor = 0.1
	}
	b := img.Bounds()
	return Resize(img, int(float64(b.Dx())*factor), int(float64(b.Dy())*factor))
}

// Package normalize converts arbitrary source images into the JPEG payload
// shape the vision providers accept: three-channel color, bounded dimensions,
// bounded encoded size.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/jdeng/goheif"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when the source bytes cannot be decoded as an image.
var ErrDecode = errors.New("image decode failed")

const (
	DefaultMaxBytes     = 4 << 20
	DefaultMaxDimension = 2200

	qualityStart = 95
	qualityStep  = 10
	qualityFloor = 20
)

type Options struct {
	// MaxBytes caps the encoded output size. Best effort: at the quality
	// floor the image is returned regardless of size.
	MaxBytes int

	// MaxDimension caps the longer side in pixels. Images are never upscaled.
	MaxDimension int
}

// Image is a normalized JPEG payload.
type Image struct {
	Data    []byte
	Width   int
	Height  int
	Quality int
}

// Normalize decodes data, flattens any alpha channel onto white, downscales
// so the longer side fits opts.MaxDimension and re-encodes as JPEG, stepping
// the quality down until the payload fits opts.MaxBytes. Pure function, no
// side effects.
func Normalize(data []byte, opts Options) (*Image, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}

	src, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	img := flatten(src)

	bounds := img.Bounds()
	if bounds.Dx() > opts.MaxDimension || bounds.Dy() > opts.MaxDimension {
		img = imaging.Fit(img, opts.MaxDimension, opts.MaxDimension, imaging.Lanczos)
		bounds = img.Bounds()
	}

	buf := &bytes.Buffer{}
	quality := qualityStart
	for {
		buf.Reset()
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("jpeg encode: %w", err)
		}
		if buf.Len() <= opts.MaxBytes || quality <= qualityFloor {
			break
		}
		quality -= qualityStep
		if quality < qualityFloor {
			quality = qualityFloor
		}
	}

	return &Image{
		Data:    bytes.Clone(buf.Bytes()),
		Width:   bounds.Dx(),
		Height:  bounds.Dy(),
		Quality: quality,
	}, nil
}

func decode(data []byte) (image.Image, error) {
	if isHEIC(data) {
		return goheif.Decode(bytes.NewReader(data))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// isHEIC sniffs the ISO BMFF ftyp box for a HEIF brand. The stdlib decoder
// registry does not cover HEIC so these go through goheif.
func isHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "hevc", "hevx", "mif1", "msf1":
		return true
	}
	return false
}

// flatten composites the image over a white background, discarding any alpha
// channel so the JPEG encoder sees opaque three-channel color.
func flatten(src image.Image) image.Image {
	bounds := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), src, bounds.Min, draw.Over)
	return out
}

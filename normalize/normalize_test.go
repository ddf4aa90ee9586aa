package normalize

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math/rand"
	"testing"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func noiseImage(w, h int) *image.RGBA {
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNormalizeDimensions(t *testing.T) {
	t.Run("downscales to the dimension ceiling", func(t *testing.T) {
		data := encodeJPEG(t, solidImage(4000, 3000, color.Gray{Y: 128}))

		img, err := Normalize(data, Options{MaxDimension: 2200})
		if err != nil {
			t.Fatal(err)
		}
		if expected, actual := 2200, img.Width; expected != actual {
			t.Errorf("Expected width %d, got %d", expected, actual)
		}
		if expected, actual := 1650, img.Height; expected != actual {
			t.Errorf("Expected height %d, got %d", expected, actual)
		}
	})

	t.Run("preserves aspect ratio for portrait images", func(t *testing.T) {
		data := encodeJPEG(t, solidImage(500, 1000, color.Gray{Y: 200}))

		img, err := Normalize(data, Options{MaxDimension: 400})
		if err != nil {
			t.Fatal(err)
		}
		if expected, actual := 200, img.Width; expected != actual {
			t.Errorf("Expected width %d, got %d", expected, actual)
		}
		if expected, actual := 400, img.Height; expected != actual {
			t.Errorf("Expected height %d, got %d", expected, actual)
		}
	})

	t.Run("never upscales", func(t *testing.T) {
		data := encodeJPEG(t, solidImage(320, 200, color.Gray{Y: 60}))

		img, err := Normalize(data, Options{MaxDimension: 2200})
		if err != nil {
			t.Fatal(err)
		}
		if expected, actual := 320, img.Width; expected != actual {
			t.Errorf("Expected width %d, got %d", expected, actual)
		}
		if expected, actual := 200, img.Height; expected != actual {
			t.Errorf("Expected height %d, got %d", expected, actual)
		}
	})
}

func TestNormalizeByteCeiling(t *testing.T) {
	t.Run("large payload under generous ceiling keeps top quality", func(t *testing.T) {
		data := encodeJPEG(t, solidImage(640, 480, color.Gray{Y: 100}))

		img, err := Normalize(data, Options{MaxBytes: 1 << 20})
		if err != nil {
			t.Fatal(err)
		}
		if expected, actual := 95, img.Quality; expected != actual {
			t.Errorf("Expected quality %d, got %d", expected, actual)
		}
		if len(img.Data) > 1<<20 {
			t.Errorf("Payload %d bytes exceeds ceiling", len(img.Data))
		}
	})

	t.Run("steps quality down under a tight ceiling", func(t *testing.T) {
		data := encodeJPEG(t, noiseImage(640, 480))

		const maxBytes = 20_000
		img, err := Normalize(data, Options{MaxBytes: maxBytes})
		if err != nil {
			t.Fatal(err)
		}
		// Either the payload fits or the quality floor was reached; never
		// both violated.
		if len(img.Data) > maxBytes && img.Quality != 20 {
			t.Errorf("Payload %d bytes over ceiling at quality %d", len(img.Data), img.Quality)
		}
		if _, _, err := image.Decode(bytes.NewReader(img.Data)); err != nil {
			t.Errorf("Output not decodable: %s", err)
		}
	})
}

func TestNormalizeFlattensAlpha(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	// Fully transparent source should come out white, not black.
	data := encodePNG(t, src)

	img, err := Normalize(data, Options{})
	if err != nil {
		t.Fatal(err)
	}

	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		t.Fatal(err)
	}
	r, g, b, _ := decoded.At(32, 32).RGBA()
	for name, v := range map[string]uint32{"red": r >> 8, "green": g >> 8, "blue": b >> 8} {
		if v < 240 {
			t.Errorf("Expected near-white %s channel, got %d", name, v)
		}
	}
}

func TestNormalizeDecodesGIF(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := gif.Encode(buf, solidImage(100, 80, color.Gray{Y: 50}), nil); err != nil {
		t.Fatal(err)
	}

	img, err := Normalize(buf.Bytes(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if expected, actual := 100, img.Width; expected != actual {
		t.Errorf("Expected width %d, got %d", expected, actual)
	}
}

func TestNormalizeDecodeError(t *testing.T) {
	for _, input := range [][]byte{nil, {}, []byte("definitely not an image")} {
		if _, err := Normalize(input, Options{}); !errors.Is(err, ErrDecode) {
			t.Errorf("Expected ErrDecode for %q, got %v", input, err)
		}
	}
}

func TestIsHEIC(t *testing.T) {
	heic := append([]byte{0, 0, 0, 24}, []byte("ftypheic")...)
	heic = append(heic, make([]byte, 16)...)
	if !isHEIC(heic) {
		t.Error("Expected ftypheic bytes to sniff as HEIC")
	}

	mp4 := append([]byte{0, 0, 0, 24}, []byte("ftypisom")...)
	mp4 = append(mp4, make([]byte, 16)...)
	if isHEIC(mp4) {
		t.Error("Expected ftypisom bytes not to sniff as HEIC")
	}

	if isHEIC([]byte("short")) {
		t.Error("Expected short input not to sniff as HEIC")
	}
}

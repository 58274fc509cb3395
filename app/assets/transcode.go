package assets

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultQuality is the fixed JPEG quality of every generated page. It
	// keeps chapter PDFs small; output is deterministic for a given input.
	DefaultQuality = 75

	// DefaultMaxPixels rejects decompression bombs before decoding.
	DefaultMaxPixels = 80_000_000
)

// Image is a page ready for the PDF: baseline RGB JPEG bytes and the pixel
// dimensions of the source.
type Image struct {
	JPEG   []byte
	Width  int
	Height int
}

type TranscodeError struct {
	Err error
}

func (e *TranscodeError) Error() string { return "transcode: " + e.Err.Error() }
func (e *TranscodeError) Unwrap() error { return e.Err }

// Transcoder converts any supported input (jpeg, png, gif, webp, bmp) to JPEG.
type Transcoder struct {
	Quality   int
	MaxPixels int
}

func NewTranscoder(quality int) *Transcoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Transcoder{Quality: quality, MaxPixels: DefaultMaxPixels}
}

// Transcode flattens transparency onto white and re-encodes as JPEG.
func (t *Transcoder) Transcode(data []byte) (Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, &TranscodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Image{}, &TranscodeError{Err: errors.New("empty image")}
	}
	if t.MaxPixels > 0 && cfg.Width*cfg.Height > t.MaxPixels {
		return Image{}, &TranscodeError{Err: fmt.Errorf("image %dx%d too large", cfg.Width, cfg.Height)}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, &TranscodeError{Err: err}
	}

	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: t.Quality}); err != nil {
		return Image{}, &TranscodeError{Err: err}
	}
	return Image{JPEG: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}

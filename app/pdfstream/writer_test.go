package pdfstream

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jpegPage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}))
	return buf.Bytes()
}

func openPDF(t *testing.T, b []byte) *pdf.Reader {
	t.Helper()
	r, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	return r
}

func mediaBox(p pdf.Page) (int64, int64) {
	box := p.V.Key("MediaBox")
	return box.Index(2).Int64(), box.Index(3).Int64()
}

func TestWriterPagesInOrderWithImageSizes(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	require.NoError(t, err)

	sizes := [][2]int{{40, 60}, {80, 30}, {25, 25}}
	for _, s := range sizes {
		require.NoError(t, w.AddJPEGPage(jpegPage(t, s[0], s[1]), s[0], s[1]))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, 3, w.PageCount())

	r := openPDF(t, out.Bytes())
	require.Equal(t, 3, r.NumPage())
	for i, s := range sizes {
		width, height := mediaBox(r.Page(i + 1))
		assert.EqualValues(t, s[0], width, "page %d width", i+1)
		assert.EqualValues(t, s[1], height, "page %d height", i+1)
	}
}

func TestWriterEmptyDocumentIsValid(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r := openPDF(t, out.Bytes())
	assert.Equal(t, 0, r.NumPage())
	assert.True(t, bytes.HasPrefix(out.Bytes(), []byte("%PDF-1.4")))
	assert.True(t, bytes.HasSuffix(out.Bytes(), []byte("%%EOF\n")))
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
	atFlush []int
}

func (f *flushRecorder) Flush() {
	f.flushes++
	f.atFlush = append(f.atFlush, f.Len())
}

func TestWriterEmitsEachPageBeforeClose(t *testing.T) {
	out := &flushRecorder{}
	w, err := NewWriter(out)
	require.NoError(t, err)
	header := out.Len()
	require.Greater(t, header, 0)

	page := jpegPage(t, 16, 16)
	require.NoError(t, w.AddJPEGPage(page, 16, 16))
	afterFirst := out.Len()
	assert.Greater(t, afterFirst, header+len(page))

	require.NoError(t, w.AddJPEGPage(page, 16, 16))
	assert.Greater(t, out.Len(), afterFirst+len(page))
	assert.Equal(t, 3, out.flushes)

	require.NoError(t, w.Close())
	assert.Equal(t, 2, openPDF(t, out.Bytes()).NumPage())
}

type failingWriter struct{ after int }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("broken pipe")
	}
	f.after--
	return len(p), nil
}

func TestWriterStopsOnSinkError(t *testing.T) {
	w, err := NewWriter(&failingWriter{after: 1})
	require.NoError(t, err)

	err = w.AddJPEGPage(jpegPage(t, 8, 8), 8, 8)
	require.Error(t, err)
	assert.Equal(t, 0, w.PageCount())
	assert.Error(t, w.AddJPEGPage(jpegPage(t, 8, 8), 8, 8))
	assert.Error(t, w.Close())
}

func TestWriterRejectsBadInput(t *testing.T) {
	w, err := NewWriter(&bytes.Buffer{})
	require.NoError(t, err)

	assert.ErrorIs(t, w.AddJPEGPage(nil, 10, 10), ErrEmptyImage)
	assert.Error(t, w.AddJPEGPage([]byte{0xff}, 0, 10))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.AddJPEGPage(jpegPage(t, 4, 4), 4, 4), ErrClosed)
	assert.ErrorIs(t, w.Close(), ErrClosed)
}

func TestWriterXrefOffsetsPointAtObjects(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	require.NoError(t, err)
	require.NoError(t, w.AddJPEGPage(jpegPage(t, 10, 12), 10, 12))
	require.NoError(t, w.Close())

	b := out.Bytes()
	for obj := 1; obj < len(w.offsets); obj++ {
		off := w.offsets[obj]
		want := []byte(strconv.Itoa(obj) + " 0 obj")
		assert.True(t, bytes.HasPrefix(b[off:], want), "object %d at offset %d", obj, off)
	}
}

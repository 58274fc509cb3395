// Package pdfstream writes a PDF whose pages are full-bleed JPEG images,
// emitting each page to the underlying writer as soon as it is added so a
// document can be streamed to a client while later pages are still being
// produced.
package pdfstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Object numbers 1 and 2 are reserved for the catalog and the page tree,
// which can only be written once every page is known.
const (
	catalogObj   = 1
	pagesObj     = 2
	firstPageObj = 3
	objsPerPage  = 3
)

var (
	ErrClosed     = errors.New("pdfstream: writer closed")
	ErrEmptyImage = errors.New("pdfstream: empty image")
)

// flusher is satisfied by http.ResponseWriter and gin.ResponseWriter.
type flusher interface {
	Flush()
}

// Writer appends pages in call order. It is not safe for concurrent use.
type Writer struct {
	dst     io.Writer
	buf     *bufio.Writer
	offset  int64
	offsets []int64 // by object number, index 0 unused
	pages   []int
	err     error
	closed  bool
}

// NewWriter writes the PDF header and returns a writer positioned for the
// first page.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := &Writer{
		dst:     w,
		buf:     bufio.NewWriterSize(w, 64<<10),
		offsets: make([]int64, firstPageObj),
	}
	// The binary comment marks the file as 8-bit for transfer tools.
	pw.writeString("%PDF-1.4\n%\xE2\xE3\xCF\xD3\n")
	if err := pw.flush(); err != nil {
		return nil, err
	}
	return pw, nil
}

// PageCount reports how many pages have been written.
func (w *Writer) PageCount() int { return len(w.pages) }

// Err returns the first write error, if any.
func (w *Writer) Err() error { return w.err }

// AddJPEGPage appends one page sized width x height points showing the
// baseline JPEG data edge to edge. The page is flushed before returning.
func (w *Writer) AddJPEGPage(jpeg []byte, width, height int) error {
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}
	if len(jpeg) == 0 {
		return ErrEmptyImage
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("pdfstream: invalid page size %dx%d", width, height)
	}

	imgObj := w.nextObj()
	w.writeString(fmt.Sprintf("%d 0 obj\n<< /Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode /Length %d >>\nstream\n",
		imgObj, width, height, len(jpeg)))
	w.write(jpeg)
	w.writeString("\nendstream\nendobj\n")

	content := fmt.Sprintf("q %d 0 0 %d 0 0 cm /Im0 Do Q", width, height)
	contentObj := w.nextObj()
	w.writeString(fmt.Sprintf("%d 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", contentObj, len(content), content))

	pageObj := w.nextObj()
	w.writeString(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent %d 0 R /MediaBox [0 0 %d %d] /Resources << /XObject << /Im0 %d 0 R >> >> /Contents %d 0 R >>\nendobj\n",
		pageObj, pagesObj, width, height, imgObj, contentObj))

	if err := w.flush(); err != nil {
		return err
	}
	w.pages = append(w.pages, pageObj)
	return nil
}

// Close writes the page tree, catalog, cross-reference table and trailer.
// It does not close the underlying writer. A document with no pages is
// still valid.
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}

	kids := make([]string, len(w.pages))
	for i, p := range w.pages {
		kids[i] = fmt.Sprintf("%d 0 R", p)
	}
	w.offsets[pagesObj] = w.offset
	w.writeString(fmt.Sprintf("%d 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n",
		pagesObj, strings.Join(kids, " "), len(w.pages)))

	w.offsets[catalogObj] = w.offset
	w.writeString(fmt.Sprintf("%d 0 obj\n<< /Type /Catalog /Pages %d 0 R >>\nendobj\n", catalogObj, pagesObj))

	xref := w.offset
	w.writeString(fmt.Sprintf("xref\n0 %d\n", len(w.offsets)))
	w.writeString("0000000000 65535 f \n")
	for _, off := range w.offsets[1:] {
		w.writeString(fmt.Sprintf("%010d 00000 n \n", off))
	}
	w.writeString(fmt.Sprintf("trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%EOF\n",
		len(w.offsets), catalogObj, xref))
	return w.flush()
}

func (w *Writer) nextObj() int {
	w.offsets = append(w.offsets, w.offset)
	return len(w.offsets) - 1
}

func (w *Writer) writeString(s string) {
	w.write([]byte(s))
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.buf.Write(p)
	w.offset += int64(n)
	if err != nil {
		w.err = err
	}
}

func (w *Writer) flush() error {
	if w.err != nil {
		return w.err
	}
	if err := w.buf.Flush(); err != nil {
		w.err = err
		return err
	}
	if f, ok := w.dst.(flusher); ok {
		f.Flush()
	}
	return nil
}

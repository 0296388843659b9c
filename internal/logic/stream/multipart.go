package stream

import (
	"bytes"
	"io"
)

// Boundary is the multipart boundary announced in the response header.
const Boundary = "frame"

// ResponseContentType is the Content-Type of a /video_feed response.
const ResponseContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// flusher matches http.Flusher without importing net/http.
type flusher interface {
	Flush()
}

// PartWriter frames payloads for a multipart/x-mixed-replace response:
//
//	--frame\r\nContent-Type: image/jpeg\r\n\r\n<payload>\r\n
//
// mime/multipart is not used: it emits a CRLF before every boundary but the
// first, which some embedded viewers do not accept.
type PartWriter struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewPartWriter frames parts onto w, flushing after each one when w is an
// http.Flusher.
func NewPartWriter(w io.Writer) *PartWriter {
	return &PartWriter{w: w}
}

// WritePart writes one self-delimited part in a single Write call and
// flushes the transport if it supports it.
func (p *PartWriter) WritePart(contentType string, payload []byte) error {
	p.buf.Reset()
	p.buf.WriteString("--" + Boundary + "\r\n")
	p.buf.WriteString("Content-Type: " + contentType + "\r\n")
	p.buf.WriteString("\r\n")
	p.buf.Write(payload)
	p.buf.WriteString("\r\n")

	if _, err := p.w.Write(p.buf.Bytes()); err != nil {
		return err
	}
	if f, ok := p.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

// partSize is the number of bytes WritePart emits for a payload.
func partSize(contentType string, n int) int {
	return len("--"+Boundary+"\r\n") + len("Content-Type: "+contentType+"\r\n") + 2 + n + 2
}

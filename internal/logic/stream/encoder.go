package stream

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"

	"github.com/cjeanneret/CamRelay/internal/logic/frame"
)

// DefaultQuality trades fidelity for bytes on a constrained uplink.
const DefaultQuality = 75

// ErrEncoding wraps any failure to compress a frame.
var ErrEncoding = errors.New("frame encoding failed")

// Encoder turns a frame into an image payload.
type Encoder interface {
	Encode(f *frame.Frame) ([]byte, error)
	ContentType() string
}

// JPEGEncoder compresses frames with image/jpeg at a fixed quality.
type JPEGEncoder struct {
	Quality int
}

// NewJPEGEncoder clamps quality to 1-100; 0 selects DefaultQuality.
func NewJPEGEncoder(quality int) *JPEGEncoder {
	switch {
	case quality == 0:
		quality = DefaultQuality
	case quality < 1:
		quality = 1
	case quality > 100:
		quality = 100
	}
	return &JPEGEncoder{Quality: quality}
}

func (e *JPEGEncoder) Encode(f *frame.Frame) ([]byte, error) {
	if f == nil || f.Image == nil {
		return nil, fmt.Errorf("%w: empty frame", ErrEncoding)
	}
	var buf bytes.Buffer
	buf.Grow(f.Width * f.Height / 8)
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrEncoding, f.Seq, err)
	}
	return buf.Bytes(), nil
}

func (e *JPEGEncoder) ContentType() string { return "image/jpeg" }

// CachingEncoder remembers the payload of the newest frame encoded so far
// so that viewers watching the same frame share one encode. Encodes run
// outside the lock; an older frame never replaces a newer cached one.
type CachingEncoder struct {
	inner Encoder

	mu   sync.Mutex
	seq  uint64
	data []byte
}

// NewCachingEncoder wraps inner with a one-frame payload cache.
func NewCachingEncoder(inner Encoder) *CachingEncoder {
	return &CachingEncoder{inner: inner}
}

// Encode returns the cached payload when f is the cached frame.
// The returned slice is shared and must not be modified.
func (c *CachingEncoder) Encode(f *frame.Frame) ([]byte, error) {
	if f != nil {
		c.mu.Lock()
		if c.data != nil && f.Seq == c.seq {
			data := c.data
			c.mu.Unlock()
			return data, nil
		}
		c.mu.Unlock()
	}

	data, err := c.inner.Encode(f)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.data == nil || f.Seq > c.seq {
		c.seq, c.data = f.Seq, data
	}
	c.mu.Unlock()
	return data, nil
}

func (c *CachingEncoder) ContentType() string { return c.inner.ContentType() }

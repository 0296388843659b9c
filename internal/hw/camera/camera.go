package camera

import (
	"errors"
	"image"
	"time"
)

var (
	// ErrDeviceUnavailable means the device is missing, busy, or rejected the
	// requested configuration. No video is possible without it.
	ErrDeviceUnavailable = errors.New("camera device unavailable")

	// ErrTransientRead is an isolated grab/decode miss. The caller retries.
	ErrTransientRead = errors.New("transient camera read failure")
)

// Source is the high-level interface used by the capture loop.
// It represents an open capture device, regardless of how frames are
// obtained (V4L2 through OpenCV, an upstream MJPEG camera, a test pattern).
//
// A Source is owned by exactly one goroutine; it is not safe for concurrent use.
type Source interface {
	// ReadNext blocks until the next frame is available. Each call returns a
	// newly allocated image that the caller may keep.
	ReadNext() (image.Image, error)

	// Close releases the device.
	Close() error
}

// Interrupter is implemented by sources whose ReadNext can block on
// something other than the device clock, such as a network peer.
// Interrupt makes a blocked ReadNext return and may be called from any
// goroutine. The source is unusable afterwards except for Close.
type Interrupter interface {
	Interrupt()
}

// Config is set once when the device is opened.
type Config struct {
	Device     int    // device index for local cameras (/dev/videoN)
	URL        string // upstream MJPEG URL for network cameras
	Width      int    // requested frame width in pixels
	Height     int    // requested frame height in pixels
	FPS        int    // target frame rate (advisory)
	BufferSize int    // driver-side buffer depth; 1 keeps the grab on the newest frame

	// ReadTimeout is the longest silence tolerated from a streaming
	// upstream before the read is abandoned. Zero selects the source default.
	ReadTimeout time.Duration
}

// NeedsResize reports whether an image of size w x h must be scaled to
// honour the requested resolution.
func (c Config) NeedsResize(w, h int) bool {
	return c.Width > 0 && c.Height > 0 && (w != c.Width || h != c.Height)
}

// Package netcam implements camera.Source for an upstream camera that
// already serves MJPEG over HTTP (IP cameras, another CamRelay, mjpg-streamer).
package netcam

import (
	"context"
	"fmt"
	"image"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mattn/go-mjpeg"
	"golang.org/x/image/draw"

	"github.com/cjeanneret/CamRelay/internal/debug"
	"github.com/cjeanneret/CamRelay/internal/hw/camera"
)

// DefaultReadTimeout bounds the wait for the next part of the stream.
const DefaultReadTimeout = 5 * time.Second

// Camera reads frames from a multipart MJPEG stream.
// The upstream connection is the device handle: it is dialled once in Open
// and redialled lazily by ReadNext after the stream breaks or goes silent.
type Camera struct {
	cfg     camera.Config
	client  *http.Client
	timeout time.Duration

	// ctx scopes every upstream request; Interrupt and Close cancel it.
	ctx    context.Context
	cancel context.CancelFunc

	body io.Closer
	dec  *mjpeg.Decoder
}

// Open connects to cfg.URL. A failure here is camera.ErrDeviceUnavailable.
func Open(cfg camera.Config) (*Camera, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: netcam needs camera.url", camera.ErrDeviceUnavailable)
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Camera{
		cfg:     cfg,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				ResponseHeaderTimeout: 5 * time.Second,
			},
		},
	}
	debug.Info("Opening network camera %s (read timeout %v)", cfg.URL, timeout)
	if err := c.dial(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", camera.ErrDeviceUnavailable, err)
	}
	return c, nil
}

func (c *Camera) dial() error {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("connect %s: status %s", c.cfg.URL, resp.Status)
	}
	dec, err := mjpeg.NewDecoderFromResponse(resp)
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}
	c.body = resp.Body
	c.dec = dec
	return nil
}

func (c *Camera) hangUp() {
	if c.body != nil {
		c.body.Close()
	}
	c.body = nil
	c.dec = nil
}

// ReadNext decodes the next part of the upstream stream. A broken,
// unreachable or silent stream is reported as camera.ErrTransientRead and
// the connection is dropped so that the next call redials.
func (c *Camera) ReadNext() (image.Image, error) {
	if c.dec == nil {
		if c.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", camera.ErrTransientRead, c.ctx.Err())
		}
		debug.Live("Network camera: reconnecting to %s", c.cfg.URL)
		if err := c.dial(); err != nil {
			return nil, fmt.Errorf("%w: %v", camera.ErrTransientRead, err)
		}
	}

	// Closing the body from the timer makes a blocked Decode return.
	body := c.body
	watchdog := time.AfterFunc(c.timeout, func() { body.Close() })
	img, err := c.dec.Decode()
	stalled := !watchdog.Stop()
	if err != nil {
		c.hangUp()
		if stalled {
			return nil, fmt.Errorf("%w: no frame from %s for %v", camera.ErrTransientRead, c.cfg.URL, c.timeout)
		}
		return nil, fmt.Errorf("%w: decode part: %v", camera.ErrTransientRead, err)
	}
	if stalled {
		// The part arrived but the body is already closed.
		c.hangUp()
	}

	b := img.Bounds()
	if !c.cfg.NeedsResize(b.Dx(), b.Dy()) {
		return img, nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, c.cfg.Width, c.cfg.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

// Interrupt cancels the upstream request so that a blocked ReadNext
// returns promptly. Safe to call from any goroutine.
func (c *Camera) Interrupt() {
	debug.Trace("Camera Interrupt (netcam)")
	c.cancel()
}

// Close drops the upstream connection.
func (c *Camera) Close() error {
	debug.Trace("Camera Close (netcam)")
	c.cancel()
	c.hangUp()
	return nil
}

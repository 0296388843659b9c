package camera

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/cjeanneret/CamRelay/internal/debug"
)

// bars are the classic SMPTE-like colour bars.
var bars = []color.RGBA{
	{R: 192, G: 192, B: 192, A: 255},
	{R: 192, G: 192, B: 0, A: 255},
	{R: 0, G: 192, B: 192, A: 255},
	{R: 0, G: 192, B: 0, A: 255},
	{R: 192, G: 0, B: 192, A: 255},
	{R: 192, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 192, A: 255},
}

// TestPattern is a synthetic Source producing scrolling colour bars.
// Used for development on PC (no camera attached) or testing.
type TestPattern struct {
	cfg      Config
	interval time.Duration
	tick     int
	last     time.Time
	closed   bool
}

// NewTestPattern creates a test pattern source at the configured size and rate.
// A zero FPS produces frames as fast as they are requested.
func NewTestPattern(cfg Config) (*TestPattern, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: test pattern needs a positive size, got %dx%d",
			ErrDeviceUnavailable, cfg.Width, cfg.Height)
	}
	var interval time.Duration
	if cfg.FPS > 0 {
		interval = time.Second / time.Duration(cfg.FPS)
	}
	debug.Info("Using TEST PATTERN camera (%dx%d @ %d fps)", cfg.Width, cfg.Height, cfg.FPS)
	return &TestPattern{cfg: cfg, interval: interval}, nil
}

// ReadNext paces to the target frame rate and renders the next pattern.
func (p *TestPattern) ReadNext() (image.Image, error) {
	if p.closed {
		return nil, fmt.Errorf("%w: test pattern closed", ErrDeviceUnavailable)
	}
	if p.interval > 0 && !p.last.IsZero() {
		if wait := p.interval - time.Since(p.last); wait > 0 {
			time.Sleep(wait)
		}
	}
	p.last = time.Now()

	img := image.NewRGBA(image.Rect(0, 0, p.cfg.Width, p.cfg.Height))
	barWidth := p.cfg.Width / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	for y := 0; y < p.cfg.Height; y++ {
		for x := 0; x < p.cfg.Width; x++ {
			idx := ((x + p.tick) / barWidth) % len(bars)
			img.SetRGBA(x, y, bars[idx])
		}
	}
	p.tick += 2
	return img, nil
}

// Close marks the source closed; later reads fail.
func (p *TestPattern) Close() error {
	debug.Trace("Camera Close (test pattern)")
	p.closed = true
	return nil
}

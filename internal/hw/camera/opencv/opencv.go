//go:build !nocv

// Package opencv implements camera.Source for local V4L2/USB cameras using gocv.
package opencv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/cjeanneret/CamRelay/internal/debug"
	"github.com/cjeanneret/CamRelay/internal/hw/camera"
)

// Device is a camera.Source backed by an OpenCV VideoCapture.
type Device struct {
	cfg     camera.Config
	capture *gocv.VideoCapture
	raw     gocv.Mat
	resized gocv.Mat
}

// Open opens the device at cfg.Device and applies the requested geometry.
// Any failure is reported as camera.ErrDeviceUnavailable.
func Open(cfg camera.Config) (*Device, error) {
	debug.Info("Opening OpenCV camera device %d", cfg.Device)

	vc, err := gocv.VideoCaptureDevice(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/video%d: %v", camera.ErrDeviceUnavailable, cfg.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: /dev/video%d not opened", camera.ErrDeviceUnavailable, cfg.Device)
	}

	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	}
	// Keep the driver queue minimal so a grab returns the newest frame.
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1
	}
	vc.Set(gocv.VideoCaptureBufferSize, float64(bufferSize))

	debug.Verbose("OpenCV camera reports %.0fx%.0f @ %.1f fps",
		vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight), vc.Get(gocv.VideoCaptureFPS))

	return &Device{
		cfg:     cfg,
		capture: vc,
		raw:     gocv.NewMat(),
		resized: gocv.NewMat(),
	}, nil
}

// ReadNext grabs and decodes the next frame, resizing it when the driver
// did not honour the requested resolution.
func (d *Device) ReadNext() (image.Image, error) {
	if ok := d.capture.Read(&d.raw); !ok || d.raw.Empty() {
		return nil, fmt.Errorf("%w: empty grab from /dev/video%d", camera.ErrTransientRead, d.cfg.Device)
	}

	src := d.raw
	if d.cfg.NeedsResize(d.raw.Cols(), d.raw.Rows()) {
		gocv.Resize(d.raw, &d.resized, image.Pt(d.cfg.Width, d.cfg.Height), 0, 0, gocv.InterpolationLinear)
		src = d.resized
	}

	// ToImage copies out of the Mat, so the returned image is ours to keep.
	img, err := src.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: convert frame: %v", camera.ErrTransientRead, err)
	}
	return img, nil
}

// Close releases the capture handle and its buffers.
func (d *Device) Close() error {
	debug.Trace("Camera Close (opencv)")
	d.raw.Close()
	d.resized.Close()
	return d.capture.Close()
}

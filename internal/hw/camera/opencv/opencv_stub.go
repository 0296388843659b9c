//go:build nocv

package opencv

import (
	"fmt"
	"image"

	"github.com/cjeanneret/CamRelay/internal/hw/camera"
)

// Device is unavailable in builds without OpenCV.
type Device struct{}

// Open always fails when built with the nocv tag.
func Open(cfg camera.Config) (*Device, error) {
	return nil, fmt.Errorf("%w: built without OpenCV support (nocv)", camera.ErrDeviceUnavailable)
}

func (d *Device) ReadNext() (image.Image, error) {
	return nil, camera.ErrDeviceUnavailable
}

func (d *Device) Close() error { return nil }

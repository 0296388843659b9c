package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/CamRelay/internal/config"
	"github.com/cjeanneret/CamRelay/internal/debug"
	"github.com/cjeanneret/CamRelay/internal/hw/camera"
	"github.com/cjeanneret/CamRelay/internal/hw/camera/netcam"
	"github.com/cjeanneret/CamRelay/internal/hw/camera/opencv"
	"github.com/cjeanneret/CamRelay/internal/hw/gpio"
	"github.com/cjeanneret/CamRelay/internal/hw/relay"
	"github.com/cjeanneret/CamRelay/internal/logic/capture"
	"github.com/cjeanneret/CamRelay/internal/logic/frame"
	"github.com/cjeanneret/CamRelay/internal/logic/stream"
	"github.com/cjeanneret/CamRelay/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{}
	flag.Var(webPort, "web", "override web.port; -web= keeps the configured port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	quality := flag.Int("jpeg_quality", 0, "override stream.jpeg_quality (1-100)")
	maxFPS := flag.Int("max_fps", -1, "override stream.max_fps (0 = unlimited)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := validateCLIOverrides(*quality, *maxFPS); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, *quality, *maxFPS, webPort.port())

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// The status stream gets every log line from here on.
	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	if err := run(ctx, cfg, broadcaster); err != nil {
		log.Fatalf("camrelay: %v", err)
	}
}

// run wires hardware and pipeline, then serves until ctx is cancelled or
// the capture loop fails. Hardware is released on every return path.
func run(ctx context.Context, cfg *config.Config, broadcaster *web.StatusBroadcaster) error {
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("init GPIO: %w", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing relay")
	debug.PrintStruct("Relay config", cfg.Relay)
	rel, err := relay.New(gpioDriver, cfg.Relay.Pin, cfg.Relay.ActiveLow, cfg.Relay.InitialOn)
	if err != nil {
		return fmt.Errorf("init relay: %w", err)
	}
	defer func() {
		if err := rel.Release(); err != nil {
			log.Printf("releasing relay failed: %v", err)
		}
	}()

	debug.Step(3, "Opening camera")
	debug.PrintStruct("Camera config", cfg.Camera)
	cam, err := newCameraFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer func() {
		if err := cam.Close(); err != nil {
			log.Printf("closing camera failed: %v", err)
		}
	}()
	debug.Info("Camera %q opened at %dx%d", cfg.Camera.Type, cfg.Camera.Width, cfg.Camera.Height)

	debug.Step(4, "Starting pipeline")
	store := frame.NewStore()
	loop := capture.NewLoop(cam, store, capture.Params{ReadRetry: cfg.ReadRetry()})
	pipeline := &web.Pipeline{
		Frames:   store,
		Encoder:  stream.NewCachingEncoder(stream.NewJPEGEncoder(cfg.Stream.JPEGQuality)),
		Params:   stream.Params{EmptyRetry: cfg.EmptyRetry(), MaxFPS: cfg.Stream.MaxFPS},
		Sessions: stream.NewRegistry(),
		Capture:  loop,
	}
	srv := web.NewServer(cfg.Addr(), broadcaster, pipeline, rel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	debug.Summary(fmt.Sprintf("CamRelay streaming on http://0.0.0.0%s/video_feed", cfg.Addr()))

	err = g.Wait()
	debug.Info("Shutdown (%d frames captured)", loop.Stats().Captured)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// validateCLIOverrides checks flag overrides. Zero quality and negative
// max_fps mean "use config".
func validateCLIOverrides(quality, maxFPS int) error {
	if quality != 0 && (quality < 1 || quality > 100) {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", quality)
	}
	if maxFPS > 1000 {
		return fmt.Errorf("max_fps must be at most 1000, got %d", maxFPS)
	}
	return nil
}

// applyOverrides mutates cfg with the flag values that were set.
func applyOverrides(cfg *config.Config, quality, maxFPS, port int) {
	if quality > 0 {
		cfg.Stream.JPEGQuality = quality
	}
	if maxFPS >= 0 {
		cfg.Stream.MaxFPS = maxFPS
	}
	if port > 0 {
		cfg.Web.Port = port
	}
}

// webPortFlag implements flag.Value for -web: -web= keeps the configured port, -web 8980 → 8980.
type webPortFlag struct {
	val int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newCameraFromConfig opens the capture device selected by camera.type.
// Only one handle is opened per process.
func newCameraFromConfig(cfg *config.Config) (camera.Source, error) {
	cc := camera.Config{
		Device:     cfg.Camera.Device,
		URL:        cfg.Camera.URL,
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		FPS:        cfg.Camera.FPS,
		BufferSize: cfg.Camera.BufferSize,

		ReadTimeout: cfg.ReadTimeout(),
	}
	switch cfg.Camera.Type {
	case config.CameraOpenCV:
		d, err := opencv.Open(cc)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.CameraNetwork:
		c, err := netcam.Open(cc)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.CameraTestPattern:
		p, err := camera.NewTestPattern(cc)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unsupported camera type %q", camera.ErrDeviceUnavailable, cfg.Camera.Type)
	}
}

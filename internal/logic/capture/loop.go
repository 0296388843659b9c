// Package capture drives the camera: one loop reads frames as fast as the
// device delivers them and publishes each one to the latest-frame store.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/CamRelay/internal/debug"
	"github.com/cjeanneret/CamRelay/internal/hw/camera"
	"github.com/cjeanneret/CamRelay/internal/logic/frame"
)

// DefaultReadRetry is the pause after a transient read failure.
const DefaultReadRetry = 20 * time.Millisecond

// warnEvery controls how often a run of consecutive failures is reported.
const warnEvery = 50

// Publisher receives every successfully captured image.
type Publisher interface {
	Publish(img image.Image) *frame.Frame
}

// Params tunes the capture loop.
type Params struct {
	ReadRetry time.Duration // backoff after camera.ErrTransientRead
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Captured            uint64 `json:"captured"`
	TransientFailures   uint64 `json:"transient_failures"`
	ConsecutiveFailures uint64 `json:"consecutive_failures"`
}

// Loop pulls frames from one camera and publishes them, as fast as the
// device delivers. It is the sole owner of the Source and the sole writer
// to the Publisher.
type Loop struct {
	source camera.Source
	out    Publisher
	retry  time.Duration

	captured    atomic.Uint64
	transient   atomic.Uint64
	consecutive atomic.Uint64
}

// NewLoop binds src to out. A zero Params.ReadRetry selects DefaultReadRetry.
func NewLoop(src camera.Source, out Publisher, p Params) *Loop {
	retry := p.ReadRetry
	if retry <= 0 {
		retry = DefaultReadRetry
	}
	return &Loop{
		source: src,
		out:    out,
		retry:  retry,
	}
}

// Run captures until ctx is cancelled (returns ctx.Err()) or the source
// fails with a non-transient error (returned as is). A source that
// implements camera.Interrupter is interrupted when ctx is done so that a
// blocked read cannot hold up shutdown.
//
// Running -> Backoff on camera.ErrTransientRead, then back to Running.
func (l *Loop) Run(ctx context.Context) error {
	debug.Section("Capture Loop")
	debug.Live("Capture loop started (read retry %v)", l.retry)

	if i, ok := l.source.(camera.Interrupter); ok {
		stop := context.AfterFunc(ctx, i.Interrupt)
		defer stop()
	}

	for {
		select {
		case <-ctx.Done():
			debug.Live("Capture loop stopped: %v", ctx.Err())
			return ctx.Err()
		default:
		}

		img, err := l.source.ReadNext()
		if err == nil && img == nil {
			err = fmt.Errorf("%w: source returned no image", camera.ErrTransientRead)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, camera.ErrTransientRead) {
				debug.Error(err)
				return err
			}
			l.transient.Add(1)
			n := l.consecutive.Add(1)
			debug.Live("Capture: %v (retry in %v)", err, l.retry)
			if n%warnEvery == 0 {
				debug.Warn("Camera has failed %d consecutive reads", n)
			}
			if err := sleep(ctx, l.retry); err != nil {
				debug.Live("Capture loop stopped during backoff: %v", err)
				return err
			}
			continue
		}

		if n := l.consecutive.Swap(0); n > 0 {
			debug.Live("Camera recovered after %d failed reads", n)
		}
		f := l.out.Publish(img)
		l.captured.Add(1)
		debug.Frame(f.Seq, f.Width, f.Height)
	}
}

// Stats returns the loop counters. Safe to call from any goroutine.
func (l *Loop) Stats() Stats {
	return Stats{
		Captured:            l.captured.Load(),
		TransientFailures:   l.transient.Load(),
		ConsecutiveFailures: l.consecutive.Load(),
	}
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package stream turns the latest published frame into a per-viewer
// multipart/x-mixed-replace byte stream.
//
// Every viewer runs its own Session. A session never blocks the frame store
// or other sessions: a slow viewer simply skips frames.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/CamRelay/internal/debug"
	"github.com/cjeanneret/CamRelay/internal/logic/frame"
)

// DefaultEmptyRetry bounds how long a session waits before re-checking the
// store when no newer frame has been signalled.
const DefaultEmptyRetry = 50 * time.Millisecond

// ErrViewerDisconnected means a write to the viewer's transport failed.
var ErrViewerDisconnected = errors.New("viewer disconnected")

// Source is the read side of the frame store.
type Source interface {
	ReadIfNewer(lastSeen uint64) (*frame.Frame, bool)
	Next() <-chan struct{}
}

// Params tunes a session.
type Params struct {
	EmptyRetry time.Duration // re-check interval while no new frame exists
	MaxFPS     int           // per-viewer rate cap, 0 = as fast as frames arrive
}

// Session streams frames to one viewer.
type Session struct {
	ID      string
	Started time.Time

	src    Source
	enc    Encoder
	out    *PartWriter
	retry  time.Duration
	minGap time.Duration

	lastSeq   atomic.Uint64
	sent      atomic.Uint64
	bytesSent atomic.Uint64
	encFails  atomic.Uint64
}

// NewSession prepares a session writing to w. Nothing is written until Run.
func NewSession(src Source, enc Encoder, w io.Writer, p Params) *Session {
	retry := p.EmptyRetry
	if retry <= 0 {
		retry = DefaultEmptyRetry
	}
	var gap time.Duration
	if p.MaxFPS > 0 {
		gap = time.Second / time.Duration(p.MaxFPS)
	}
	return &Session{
		ID:      uuid.New().String(),
		Started: time.Now(),
		src:     src,
		enc:     enc,
		out:     NewPartWriter(w),
		retry:   retry,
		minGap:  gap,
	}
}

// Run sends the newest frame each time one is available, until ctx is done
// or the transport fails. A failed write is reported as ErrViewerDisconnected.
// Run never writes anything before the first frame exists.
func (s *Session) Run(ctx context.Context) error {
	var lastSent time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Arm the wake-up before looking, so a publish in between is not missed.
		next := s.src.Next()
		f, ok := s.src.ReadIfNewer(s.lastSeq.Load())
		if !ok {
			if err := s.wait(ctx, next); err != nil {
				return err
			}
			continue
		}

		if s.minGap > 0 && !lastSent.IsZero() {
			if d := s.minGap - time.Since(lastSent); d > 0 {
				if err := sleep(ctx, d); err != nil {
					return err
				}
				// Pick up whatever is newest after the pause.
				continue
			}
		}

		data, err := s.enc.Encode(f)
		if err != nil {
			s.encFails.Add(1)
			debug.Live("Viewer %s: skipping frame %d: %v", s.ID, f.Seq, err)
			if err := sleep(ctx, s.retry); err != nil {
				return err
			}
			continue
		}

		if err := s.out.WritePart(s.enc.ContentType(), data); err != nil {
			return fmt.Errorf("%w: %v", ErrViewerDisconnected, err)
		}
		lastSent = time.Now()
		s.lastSeq.Store(f.Seq)
		s.sent.Add(1)
		s.bytesSent.Add(uint64(partSize(s.enc.ContentType(), len(data))))
	}
}

func (s *Session) wait(ctx context.Context, next <-chan struct{}) error {
	t := time.NewTimer(s.retry)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-next:
	case <-t.C:
	}
	return nil
}

// SessionStats is a snapshot of one session.
type SessionStats struct {
	ID             string    `json:"id"`
	Started        time.Time `json:"started"`
	LastSeq        uint64    `json:"last_seq"`
	FramesSent     uint64    `json:"frames_sent"`
	BytesSent      uint64    `json:"bytes_sent"`
	EncodeFailures uint64    `json:"encode_failures"`
}

// Stats may be called from any goroutine while Run is active.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		ID:             s.ID,
		Started:        s.Started,
		LastSeq:        s.lastSeq.Load(),
		FramesSent:     s.sent.Load(),
		BytesSent:      s.bytesSent.Load(),
		EncodeFailures: s.encFails.Load(),
	}
}

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

// Package frame holds the single "latest frame" slot shared between the
// capture loop (one writer) and any number of stream sessions (readers).
//
// Only the newest frame is ever kept. A slow reader skips frames rather
// than queueing them.
package frame

import (
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one decoded camera image. It must not be modified once published:
// readers share it by reference.
type Frame struct {
	Image    image.Image
	Width    int
	Height   int
	Captured time.Time

	// Seq is assigned by the Store at publish time, starting at 1.
	Seq uint64
}

// slot is the unit swapped atomically: the current frame plus the channel
// that the next publish will close.
type slot struct {
	frame *Frame
	next  chan struct{}
}

// Stats is a snapshot of store activity.
type Stats struct {
	Published   uint64
	LastPublish time.Time
}

// Store is the single-slot, latest-wins frame hand-off.
// Publish is a pointer swap; Read is a pointer load.
type Store struct {
	writeMu sync.Mutex // serializes publishers so next is closed once
	cur     atomic.Pointer[slot]
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&slot{next: make(chan struct{})})
	return s
}

// Publish makes img the current frame and advances the sequence number by 1.
// The caller must not mutate img afterwards.
func (s *Store) Publish(img image.Image) *Frame {
	b := img.Bounds()
	f := &Frame{
		Image:    img,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Captured: time.Now(),
	}

	s.writeMu.Lock()
	prev := s.cur.Load()
	if prev.frame != nil {
		f.Seq = prev.frame.Seq + 1
	} else {
		f.Seq = 1
	}
	s.cur.Store(&slot{frame: f, next: make(chan struct{})})
	close(prev.next)
	s.writeMu.Unlock()

	return f
}

// Read returns the current frame, or false if nothing was published yet.
func (s *Store) Read() (*Frame, bool) {
	f := s.cur.Load().frame
	return f, f != nil
}

// ReadIfNewer returns the current frame only if its sequence number differs
// from lastSeen. It reports false when the store is empty or unchanged.
func (s *Store) ReadIfNewer(lastSeen uint64) (*Frame, bool) {
	f := s.cur.Load().frame
	if f == nil || f.Seq == lastSeen {
		return nil, false
	}
	return f, true
}

// Next returns a channel closed by the next Publish.
func (s *Store) Next() <-chan struct{} {
	return s.cur.Load().next
}

// Seq returns the sequence number of the current frame (0 when empty).
func (s *Store) Seq() uint64 {
	if f := s.cur.Load().frame; f != nil {
		return f.Seq
	}
	return 0
}

// Stats returns the number of published frames and the last publish time.
func (s *Store) Stats() Stats {
	f := s.cur.Load().frame
	if f == nil {
		return Stats{}
	}
	return Stats{Published: f.Seq, LastPublish: f.Captured}
}

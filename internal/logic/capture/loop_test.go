package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/CamRelay/internal/hw/camera"
	"github.com/cjeanneret/CamRelay/internal/hw/camera/netcam"
	"github.com/cjeanneret/CamRelay/internal/logic/frame"
)

// scriptedSource returns the scripted errors in order, then frames forever.
type scriptedSource struct {
	mu     sync.Mutex
	script []error
	reads  int
}

func (s *scriptedSource) ReadNext() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return nil, err
		}
	}
	return image.NewGray(image.Rect(0, 0, 8, 6)), nil
}

func (s *scriptedSource) Close() error { return nil }

func (s *scriptedSource) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func waitForSeq(t *testing.T, store *frame.Store, seq uint64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for store.Seq() < seq {
		select {
		case <-store.Next():
		case <-deadline:
			t.Fatalf("timeout waiting for seq %d (at %d)", seq, store.Seq())
		}
	}
}

func TestLoop_PublishesFrames(t *testing.T) {
	store := frame.NewStore()
	loop := NewLoop(&scriptedSource{}, store, Params{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitForSeq(t, store, 3)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	f, ok := store.Read()
	if !ok || f.Width != 8 || f.Height != 6 {
		t.Errorf("stored frame = %+v, want 8x6", f)
	}
}

func TestLoop_SurvivesTransientFailures(t *testing.T) {
	transient := func() error {
		return errors.Join(camera.ErrTransientRead, errors.New("grab miss"))
	}
	src := &scriptedSource{script: []error{
		transient(), transient(), transient(), transient(), transient(),
	}}
	store := frame.NewStore()
	loop := NewLoop(src, store, Params{ReadRetry: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitForSeq(t, store, 1)

	select {
	case err := <-done:
		t.Fatalf("loop exited early: %v", err)
	default:
	}
	if st := loop.Stats(); st.TransientFailures != 5 {
		t.Errorf("TransientFailures = %d, want 5", st.TransientFailures)
	}
	if src.readCount() < 6 {
		t.Errorf("reads = %d, want >= 6", src.readCount())
	}
	if st := loop.Stats(); st.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d after recovery, want 0", st.ConsecutiveFailures)
	}
}

func TestLoop_BacksOffBetweenFailures(t *testing.T) {
	src := &scriptedSource{script: []error{camera.ErrTransientRead, camera.ErrTransientRead}}
	store := frame.NewStore()
	loop := NewLoop(src, store, Params{ReadRetry: 25 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go loop.Run(ctx)

	waitForSeq(t, store, 1)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("first frame after %v, want >= 50ms of backoff", elapsed)
	}
}

func TestLoop_FatalErrorStops(t *testing.T) {
	fatal := errors.New("device unplugged")
	src := &scriptedSource{script: []error{fatal}}
	loop := NewLoop(src, frame.NewStore(), Params{})

	err := loop.Run(context.Background())
	if !errors.Is(err, fatal) {
		t.Errorf("Run = %v, want %v", err, fatal)
	}
}

func TestLoop_CancelDuringBackoff(t *testing.T) {
	script := make([]error, 100)
	for i := range script {
		script[i] = camera.ErrTransientRead
	}
	loop := NewLoop(&scriptedSource{script: script}, frame.NewStore(), Params{ReadRetry: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := loop.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the backoff")
	}
}

// emptySource returns (nil, nil) for the first n reads, then frames.
type emptySource struct {
	scriptedSource
	empty int
}

func (s *emptySource) ReadNext() (image.Image, error) {
	s.mu.Lock()
	if s.empty > 0 {
		s.empty--
		s.reads++
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return s.scriptedSource.ReadNext()
}

func TestLoop_NilImageIsTransient(t *testing.T) {
	src := &emptySource{empty: 3}
	store := frame.NewStore()
	loop := NewLoop(src, store, Params{ReadRetry: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	waitForSeq(t, store, 1)
	if st := loop.Stats(); st.TransientFailures != 3 {
		t.Errorf("TransientFailures = %d, want 3", st.TransientFailures)
	}
	if f, ok := store.Read(); !ok || f.Seq != 1 || f.Width != 8 {
		t.Errorf("first published frame = %+v", f)
	}
}

// blockingSource blocks in ReadNext until interrupted.
type blockingSource struct {
	once        sync.Once
	interrupted chan struct{}
}

func (s *blockingSource) ReadNext() (image.Image, error) {
	<-s.interrupted
	return nil, camera.ErrTransientRead
}

func (s *blockingSource) Interrupt() { s.once.Do(func() { close(s.interrupted) }) }

func (s *blockingSource) Close() error { return nil }

func TestLoop_CancelInterruptsBlockedRead(t *testing.T) {
	src := &blockingSource{interrupted: make(chan struct{})}
	loop := NewLoop(src, frame.NewStore(), Params{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run still blocked after cancel")
	}
}

func TestLoop_CancelWithSilentNetworkCamera(t *testing.T) {
	var part bytes.Buffer
	if err := jpeg.Encode(&part, image.NewGray(image.Rect(0, 0, 32, 24)), nil); err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		rw.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"))
		rw.Write(part.Bytes())
		rw.Write([]byte("\r\n--frame\r\n"))
		rw.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	cam, err := netcam.Open(camera.Config{URL: srv.URL, ReadTimeout: time.Minute})
	if err != nil {
		t.Fatalf("netcam.Open: %v", err)
	}
	defer cam.Close()

	store := frame.NewStore()
	loop := NewLoop(cam, store, Params{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitForSeq(t, store, 1)
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run still blocked after cancel")
	}
}

package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/CamRelay/internal/logic/frame"
)

// syncBuffer is a goroutine-safe io.Writer that can be "closed" like a
// dropped TCP connection: writes fail afterwards.
type syncBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	closed bool
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.New("broken pipe")
	}
	b.writes++
	return b.buf.Write(p)
}

func (b *syncBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *syncBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *syncBuffer) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// recordingEncoder wraps JPEG encoding and records the sequence numbers seen.
type recordingEncoder struct {
	mu    sync.Mutex
	seqs  []uint64
	fails int // fail this many calls first
	calls int
}

func (e *recordingEncoder) Encode(f *frame.Frame) ([]byte, error) {
	e.mu.Lock()
	e.calls++
	if e.fails > 0 {
		e.fails--
		e.mu.Unlock()
		return nil, ErrEncoding
	}
	e.seqs = append(e.seqs, f.Seq)
	e.mu.Unlock()
	return NewJPEGEncoder(50).Encode(f)
}

func (e *recordingEncoder) ContentType() string { return "image/jpeg" }

func (e *recordingEncoder) seen() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.seqs...)
}

func gray(w, h int) image.Image {
	return image.NewGray(image.Rect(0, 0, w, h))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSession_NoChunkBeforeFirstFrame(t *testing.T) {
	store := frame.NewStore()
	out := &syncBuffer{}
	s := NewSession(store, NewJPEGEncoder(0), out, Params{EmptyRetry: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want DeadlineExceeded", err)
	}
	if n := len(out.bytes()); n != 0 {
		t.Errorf("wrote %d bytes with an empty store, want 0", n)
	}
}

func TestSession_PartFramingAndRoundTrip(t *testing.T) {
	store := frame.NewStore()
	store.Publish(image.NewRGBA(image.Rect(0, 0, 320, 240)))

	out := &syncBuffer{}
	s := NewSession(store, NewJPEGEncoder(0), out, Params{})
	cancel, done := startSession(t, s)

	eventually(t, "first part", func() bool { return s.Stats().FramesSent >= 1 })
	cancel()
	<-done

	data := out.bytes()
	header := "--frame\r\nContent-Type: image/jpeg\r\n\r\n"
	if !bytes.HasPrefix(data, []byte(header)) {
		t.Fatalf("part does not start with %q: %q", header, data[:min(len(data), 64)])
	}
	if !bytes.HasSuffix(data, []byte("\r\n")) {
		t.Fatal("part does not end with CRLF")
	}
	// Only one frame was published, so exactly one part is sent.
	if n := bytes.Count(data, []byte("--frame\r\n")); n != 1 {
		t.Errorf("parts = %d, want 1", n)
	}

	payload := data[len(header) : len(data)-2]
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("decoded %dx%d, want 320x240", b.Dx(), b.Dy())
	}
	if got := s.Stats().BytesSent; got != uint64(len(data)) {
		t.Errorf("BytesSent = %d, want %d", got, len(data))
	}
}

func TestSession_SequenceNonDecreasingReachesLatest(t *testing.T) {
	store := frame.NewStore()
	enc := &recordingEncoder{}
	s := NewSession(store, enc, &syncBuffer{}, Params{})
	startSession(t, s)

	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		store.Publish(gray(16, 16))
	}

	eventually(t, "seq 3", func() bool { return s.Stats().LastSeq == 3 })

	seen := enc.seen()
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("sequence went backwards: %v", seen)
		}
	}
}

func TestSession_ResendsNothingWhenStoreUnchanged(t *testing.T) {
	store := frame.NewStore()
	store.Publish(gray(8, 8))
	out := &syncBuffer{}
	s := NewSession(store, NewJPEGEncoder(0), out, Params{EmptyRetry: time.Millisecond})
	startSession(t, s)

	eventually(t, "first part", func() bool { return out.writeCount() == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := out.writeCount(); n != 1 {
		t.Errorf("writes = %d while store unchanged, want 1", n)
	}
}

func TestSession_WriteFailureEndsSession(t *testing.T) {
	store := frame.NewStore()
	store.Publish(gray(8, 8))
	out := &syncBuffer{}
	out.close()

	s := NewSession(store, NewJPEGEncoder(0), out, Params{})
	err := s.Run(context.Background())
	if !errors.Is(err, ErrViewerDisconnected) {
		t.Errorf("Run = %v, want ErrViewerDisconnected", err)
	}
}

func TestSession_EncodingFailureIsSkipped(t *testing.T) {
	store := frame.NewStore()
	store.Publish(gray(8, 8))
	enc := &recordingEncoder{fails: 2}
	s := NewSession(store, enc, &syncBuffer{}, Params{EmptyRetry: time.Millisecond})
	startSession(t, s)

	eventually(t, "frame after encode failures", func() bool { return s.Stats().FramesSent == 1 })
	if st := s.Stats(); st.EncodeFailures != 2 {
		t.Errorf("EncodeFailures = %d, want 2", st.EncodeFailures)
	}
}

func TestSession_ClosingSomeViewersLeavesOthers(t *testing.T) {
	store := frame.NewStore()
	enc := NewCachingEncoder(NewJPEGEncoder(0))

	type viewer struct {
		s    *Session
		out  *syncBuffer
		done <-chan error
	}
	viewers := make([]viewer, 10)
	for i := range viewers {
		out := &syncBuffer{}
		s := NewSession(store, enc, out, Params{})
		_, done := startSession(t, s)
		viewers[i] = viewer{s: s, out: out, done: done}
	}

	store.Publish(gray(32, 24))
	for _, v := range viewers {
		v := v
		eventually(t, "seq 1 on every viewer", func() bool { return v.s.Stats().LastSeq == 1 })
	}

	for _, v := range viewers[:5] {
		v.out.close()
	}
	store.Publish(gray(32, 24))

	for i, v := range viewers[:5] {
		select {
		case err := <-v.done:
			if !errors.Is(err, ErrViewerDisconnected) {
				t.Errorf("viewer %d: Run = %v, want ErrViewerDisconnected", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("viewer %d did not stop after its transport closed", i)
		}
	}

	store.Publish(gray(32, 24))
	for i, v := range viewers[5:] {
		v := v
		eventually(t, "seq 3 on remaining viewers", func() bool { return v.s.Stats().LastSeq == 3 })
		select {
		case err := <-v.done:
			t.Errorf("viewer %d stopped unexpectedly: %v", i+5, err)
		default:
		}
	}
}

func TestSession_MaxFPSCapsDelivery(t *testing.T) {
	store := frame.NewStore()
	s := NewSession(store, NewJPEGEncoder(0), &syncBuffer{}, Params{MaxFPS: 10})
	cancel, done := startSession(t, s)

	stop := time.After(250 * time.Millisecond)
publish:
	for {
		select {
		case <-stop:
			break publish
		default:
			store.Publish(gray(8, 8))
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	<-done

	// 250ms at 10 fps allows 3 frames; leave room for scheduling.
	if n := s.Stats().FramesSent; n == 0 || n > 5 {
		t.Errorf("FramesSent = %d at 10 fps over 250ms", n)
	}
}

func TestSession_IDsAreUnique(t *testing.T) {
	store := frame.NewStore()
	a := NewSession(store, NewJPEGEncoder(0), &syncBuffer{}, Params{})
	b := NewSession(store, NewJPEGEncoder(0), &syncBuffer{}, Params{})
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids %q and %q", a.ID, b.ID)
	}
	if strings.Count(a.ID, "-") != 4 {
		t.Errorf("id %q is not a UUID", a.ID)
	}
}

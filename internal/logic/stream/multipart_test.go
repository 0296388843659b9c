package stream

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/CamRelay/internal/logic/frame"
)

type flushRecorder struct {
	bytes.Buffer
	writes  int
	flushes int
}

func (f *flushRecorder) Write(p []byte) (int, error) {
	f.writes++
	return f.Buffer.Write(p)
}

func (f *flushRecorder) Flush() { f.flushes++ }

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestPartWriter_Framing(t *testing.T) {
	rec := &flushRecorder{}
	pw := NewPartWriter(rec)

	if err := pw.WritePart("image/jpeg", []byte("ABC")); err != nil {
		t.Fatal(err)
	}
	if err := pw.WritePart("image/jpeg", []byte("DE")); err != nil {
		t.Fatal(err)
	}

	want := "--frame\r\nContent-Type: image/jpeg\r\n\r\nABC\r\n" +
		"--frame\r\nContent-Type: image/jpeg\r\n\r\nDE\r\n"
	if got := rec.String(); got != want {
		t.Errorf("output:\n%q\nwant:\n%q", got, want)
	}
	if rec.writes != 2 {
		t.Errorf("writes = %d, want one per part", rec.writes)
	}
	if rec.flushes != 2 {
		t.Errorf("flushes = %d, want 2", rec.flushes)
	}
}

func TestPartWriter_WriteError(t *testing.T) {
	if err := NewPartWriter(errWriter{}).WritePart("image/jpeg", []byte("x")); err == nil {
		t.Error("expected error from failing transport")
	}
}

func TestPartSize(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0xff}, 123)
	if err := NewPartWriter(&buf).WritePart("image/jpeg", payload); err != nil {
		t.Fatal(err)
	}
	if got := partSize("image/jpeg", len(payload)); got != buf.Len() {
		t.Errorf("partSize = %d, written = %d", got, buf.Len())
	}
}

func TestResponseContentType(t *testing.T) {
	if ResponseContentType != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("ResponseContentType = %q", ResponseContentType)
	}
}

func TestRegistry_AddRemoveSnapshot(t *testing.T) {
	store := frame.NewStore()
	r := NewRegistry()

	a := NewSession(store, NewJPEGEncoder(0), &bytes.Buffer{}, Params{})
	time.Sleep(time.Millisecond)
	b := NewSession(store, NewJPEGEncoder(0), &bytes.Buffer{}, Params{})

	removeB := r.Add(b)
	removeA := r.Add(a)
	if n := r.Count(); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != a.ID || snap[1].ID != b.ID {
		t.Errorf("Snapshot not ordered oldest first: %+v", snap)
	}

	removeA()
	if n := r.Count(); n != 1 {
		t.Errorf("Count after remove = %d, want 1", n)
	}
	removeB()
	if n := r.Count(); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

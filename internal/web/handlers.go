package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/CamRelay/internal/debug"
	"github.com/cjeanneret/CamRelay/internal/logic/capture"
	"github.com/cjeanneret/CamRelay/internal/logic/frame"
	"github.com/cjeanneret/CamRelay/internal/logic/stream"
)

// Frames is the read side of the frame store used by the handlers.
type Frames interface {
	stream.Source
	Read() (*frame.Frame, bool)
	Stats() frame.Stats
}

// CaptureStats reports capture loop counters.
type CaptureStats interface {
	Stats() capture.Stats
}

// Pipeline bundles what /video_feed, /snapshot and /healthz need.
type Pipeline struct {
	Frames   Frames
	Encoder  stream.Encoder
	Params   stream.Params
	Sessions *stream.Registry
	Capture  CaptureStats // optional
}

// Switch is the actuator gateway behind the relay endpoints.
type Switch interface {
	Set(on bool) error
	Toggle() (bool, error)
	On() bool
}

// RelayState is the JSON body of every relay endpoint.
type RelayState struct {
	On bool `json:"on"`
}

// Health is the JSON body of GET /healthz.
type Health struct {
	Status          string                `json:"status"` // "ok" once a frame exists, "waiting" before
	FramesPublished uint64                `json:"frames_published"`
	LastSeq         uint64                `json:"last_seq"`
	LastFrameAgeMs  int64                 `json:"last_frame_age_ms"` // -1 before the first frame
	ActiveSessions  int                   `json:"active_sessions"`
	Sessions        []stream.SessionStats `json:"sessions"`
	Capture         *capture.Stats        `json:"capture,omitempty"`
	Relay           *RelayState           `json:"relay,omitempty"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Pipeline    *Pipeline
	Relay       Switch
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// A nil pipeline makes the video endpoints answer 503, a nil relay does the
// same for the relay endpoints.
func NewHandlers(broadcaster *StatusBroadcaster, pipeline *Pipeline, relay Switch, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Pipeline:    pipeline,
		Relay:       relay,
		staticFS:    staticFS,
	}
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleVideoFeed streams the camera as multipart/x-mixed-replace until the
// viewer goes away or the server shuts down.
func (h *Handlers) HandleVideoFeed(w http.ResponseWriter, r *http.Request) {
	p := h.Pipeline
	if p == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", stream.ResponseContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // nginx
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	s := stream.NewSession(p.Frames, p.Encoder, w, p.Params)
	done := p.Sessions.Add(s)
	defer done()

	err := s.Run(r.Context())
	switch {
	case errors.Is(err, stream.ErrViewerDisconnected):
		debug.Live("Viewer %s dropped: %v", s.ID, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		debug.Verbose("Viewer %s closed after %d frames", s.ID, s.Stats().FramesSent)
	case err != nil:
		debug.Error(err)
	}
}

// HandleSnapshot returns the latest frame as a single image.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	p := h.Pipeline
	if p == nil {
		http.Error(w, "camera not configured", http.StatusServiceUnavailable)
		return
	}
	f, ok := p.Frames.Read()
	if !ok {
		http.Error(w, "no frame captured yet", http.StatusServiceUnavailable)
		return
	}
	data, err := p.Encoder.Encode(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", p.Encoder.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// HandleHealth reports pipeline liveness as JSON.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var out Health
	out.Status = "waiting"
	out.LastFrameAgeMs = -1
	out.Sessions = []stream.SessionStats{}

	if p := h.Pipeline; p != nil {
		st := p.Frames.Stats()
		out.FramesPublished = st.Published
		if f, ok := p.Frames.Read(); ok {
			out.Status = "ok"
			out.LastSeq = f.Seq
			out.LastFrameAgeMs = time.Since(st.LastPublish).Milliseconds()
		}
		if p.Sessions != nil {
			out.Sessions = p.Sessions.Snapshot()
			out.ActiveSessions = len(out.Sessions)
		}
		if p.Capture != nil {
			cs := p.Capture.Stats()
			out.Capture = &cs
		}
	}
	if h.Relay != nil {
		out.Relay = &RelayState{On: h.Relay.On()}
	}

	writeJSON(w, http.StatusOK, out)
}

// HandleToggleRelay handles POST /toggle_relay.
func (h *Handlers) HandleToggleRelay(w http.ResponseWriter, r *http.Request) {
	if h.Relay == nil {
		http.Error(w, "relay not configured", http.StatusServiceUnavailable)
		return
	}
	on, err := h.Relay.Toggle()
	if err != nil {
		h.relayFailed(w, err)
		return
	}
	h.relayChanged(w, on)
}

// HandleRelayOn handles GET /relay/on.
func (h *Handlers) HandleRelayOn(w http.ResponseWriter, r *http.Request) {
	h.setRelay(w, true)
}

// HandleRelayOff handles GET /relay/off.
func (h *Handlers) HandleRelayOff(w http.ResponseWriter, r *http.Request) {
	h.setRelay(w, false)
}

// HandleRelayState handles GET /relay.
func (h *Handlers) HandleRelayState(w http.ResponseWriter, r *http.Request) {
	if h.Relay == nil {
		http.Error(w, "relay not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, RelayState{On: h.Relay.On()})
}

func (h *Handlers) setRelay(w http.ResponseWriter, on bool) {
	if h.Relay == nil {
		http.Error(w, "relay not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Relay.Set(on); err != nil {
		h.relayFailed(w, err)
		return
	}
	h.relayChanged(w, on)
}

func (h *Handlers) relayChanged(w http.ResponseWriter, on bool) {
	state := "OFF"
	if on {
		state = "ON"
	}
	h.Broadcaster.Broadcast("relay", "Relay "+state)
	writeJSON(w, http.StatusOK, RelayState{On: on})
}

func (h *Handlers) relayFailed(w http.ResponseWriter, err error) {
	h.Broadcaster.Broadcast("error", "Relay failed: "+err.Error())
	debug.Error(err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

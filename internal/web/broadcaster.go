package web

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event levels carried in StatusEvent.Level.
const (
	LevelInfo  = "info"
	LevelLive  = "live"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelRelay = "relay"
)

// subscriberBuffer is how many events a slow SSE client may lag behind.
const subscriberBuffer = 64

// StatusEvent is one line of the status stream.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster fans status events out to every SSE client.
// It never blocks the caller: a full client buffer drops the event.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	dropped atomic.Uint64
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of JSON-encoded events and its cleanup function.
// The caller must call the cleanup when the client goes away.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers returns the number of connected status clients.
func (b *StatusBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Dropped returns how many events were discarded because a client lagged.
func (b *StatusBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Broadcast sends {"t":"...","l":level,"msg":msg} to all clients.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	data, err := json.Marshal(StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// BroadcastMsg broadcasts at LevelInfo.
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast(LevelInfo, msg)
}

// BroadcastWriter returns an io.Writer for debug.SetOutput. Each log line
// becomes one event; its level follows the logger's tag. Trace and GPIO
// lines are not forwarded: at frame rate they would drown the stream.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}
		level, ok := classify(msg)
		if !ok {
			continue
		}
		w.b.Broadcast(level, msg)
	}
	return len(p), nil
}

// classify maps a debug log line to an event level.
func classify(line string) (string, bool) {
	switch {
	case strings.Contains(line, "[TRACE]"), strings.Contains(line, "[GPIO]"):
		return "", false
	case strings.Contains(line, "[ERROR]"):
		return LevelError, true
	case strings.Contains(line, "[WARN]"):
		return LevelWarn, true
	case strings.Contains(line, "[LIVE] Relay"):
		return LevelRelay, true
	case strings.Contains(line, "[LIVE]"):
		return LevelLive, true
	default:
		return LevelInfo, true
	}
}

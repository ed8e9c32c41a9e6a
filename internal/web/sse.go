package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/stupiduntilnot/sia/internal/render"
)

// sseWriter writes Server-Sent Events to a response.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type updateEvent struct {
	Content string `json:"content"`
	Cursor  string `json:"cursor,omitempty"`
}

type doneEvent struct {
	Content   string `json:"content"`
	HTML      string `json:"html"`
	LatencyMS int64  `json:"latency_ms"`
}

type errorEvent struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

// sseDisplay streams typing frames as "update" events. The final frame is
// left to the "done" event, which carries the rendered markdown.
type sseDisplay struct {
	sse *sseWriter
}

func (d sseDisplay) Update(frame render.Frame) error {
	if frame.Final {
		return nil
	}
	return d.sse.send("update", updateEvent{Content: frame.Content, Cursor: frame.Cursor})
}

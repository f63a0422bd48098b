package ruminate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SetSSEHeaders prepares a response writer for server-sent events.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SSEWriter serializes pipeline events into newline-delimited SSE frames
// and flushes each one as it occurs. It is safe for concurrent use, so a
// heartbeat goroutine can interleave comments with event frames.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps a response writer. It fails when the writer cannot
// flush, since buffered events defeat the point of streaming.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Plan implements Emitter.
func (s *SSEWriter) Plan(ev PlanEvent) error {
	return s.writeEvent("plan", ev)
}

// Step implements Emitter.
func (s *SSEWriter) Step(ev StepEvent) error {
	return s.writeEvent("step", ev)
}

// Final implements Emitter.
func (s *SSEWriter) Final(ev FinalEvent) error {
	return s.writeEvent("complete", ev)
}

// Error implements Emitter.
func (s *SSEWriter) Error(ev ErrorEvent) error {
	return s.writeEvent("error", ev)
}

// Comment writes an SSE comment frame. Used as a keepalive so
// intermediaries do not time out an idle stream during long stage calls.
func (s *SSEWriter) Comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Heartbeat writes a ping comment on the given interval until the returned
// stop function is called.
func (s *SSEWriter) Heartbeat(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.Comment("ping"); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// writeEvent marshals and flushes one "event:/data:" frame.
func (s *SSEWriter) writeEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	s.flusher.Flush()
	return nil
}

var _ Emitter = (*SSEWriter)(nil)

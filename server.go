package ruminate

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// DefaultHeartbeat keeps intermediaries from timing out idle streams
// during long stage calls. 15s stays well under typical LB timeouts.
const DefaultHeartbeat = 15 * time.Second

// Server is the HTTP surface: POST /v1/reason streams a pipeline run as
// server-sent events, GET /healthz reports readiness.
type Server struct {
	pipeline  *Pipeline
	registry  *Registry
	heartbeat time.Duration
}

// NewServer wraps a pipeline. The server installs its own registry on the
// pipeline so health reporting sees active runs.
func NewServer(pipeline *Pipeline) *Server {
	registry := NewRegistry()
	pipeline.WithRegistry(registry)
	return &Server{
		pipeline:  pipeline,
		registry:  registry,
		heartbeat: DefaultHeartbeat,
	}
}

// WithHeartbeat overrides the SSE keepalive interval. Zero disables it.
func (s *Server) WithHeartbeat(d time.Duration) *Server {
	s.heartbeat = d
	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/reason", s.handleReason)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// handleReason decodes the request and streams the run. The request
// context carries the client disconnect signal into the pipeline, so a
// closed stream cancels the in-flight completion call.
func (s *Server) handleReason(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	SetSSEHeaders(w)
	writer, err := NewSSEWriter(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if s.heartbeat > 0 {
		stop := writer.Heartbeat(s.heartbeat)
		defer stop()
	}

	// Errors are already reflected in the stream as terminal events; by
	// this point headers are out, so there is nothing else to send.
	_, _ = s.pipeline.Execute(r.Context(), req, writer)
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status     string    `json:"status"`
	Store      string    `json:"store"`
	ActiveRuns int       `json:"activeRuns"`
	Runs       []RunInfo `json:"runs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := healthResponse{
		Status:     "ok",
		Store:      "ok",
		ActiveRuns: s.registry.Active(),
		Runs:       s.registry.Snapshot(),
	}

	status := http.StatusOK
	if err := s.pipeline.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

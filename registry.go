package ruminate

import (
	"sort"
	"sync"
	"time"
)

// RunInfo is a point-in-time projection of an active run.
type RunInfo struct {
	TraceID   string    `json:"trace_id"`
	SessionID string    `json:"session_id"`
	Status    Status    `json:"status"`
	Stage     StageID   `json:"stage,omitempty"`
	Steps     int       `json:"steps"`
	StartedAt time.Time `json:"started_at"`
}

// Registry tracks active runs for health reporting. Runs register on start
// and deregister when their response stream closes; the registry never
// holds a run past its request.
type Registry struct {
	runs map[string]*Run
	mu   sync.RWMutex
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Add registers an active run by trace ID.
func (g *Registry) Add(run *Run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[run.TraceID] = run
}

// Remove deregisters a run.
func (g *Registry) Remove(traceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, traceID)
}

// Active returns the number of registered runs.
func (g *Registry) Active() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}

// Snapshot projects every registered run into RunInfo, ordered by start
// time.
func (g *Registry) Snapshot() []RunInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	infos := make([]RunInfo, 0, len(g.runs))
	for _, run := range g.runs {
		info := RunInfo{
			TraceID:   run.TraceID,
			SessionID: run.SessionID,
			Status:    run.Status(),
			Steps:     run.StepCount(),
			StartedAt: run.CreatedAt,
		}
		if stage, ok := run.CurrentStage(); ok {
			info.Stage = stage
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

package ruminate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Run.
type Status string

// Run lifecycle states. A run moves from created through retrieving and
// running into verifying and deciding, then reaches exactly one terminal
// state.
const (
	StatusCreated    Status = "created"
	StatusRetrieving Status = "retrieving"
	StatusRunning    Status = "running"
	StatusVerifying  Status = "verifying"
	StatusDeciding   Status = "deciding"
	StatusAnswered   Status = "answered"
	StatusClarifying Status = "clarification_requested"
	StatusErrored    Status = "errored"
)

// Decision is the gate's choice between emitting an answer and asking for
// clarification.
type Decision string

const (
	DecisionAnswer  Decision = "answer"
	DecisionClarify Decision = "clarify"
)

// ReasoningStep records one stage's execution. It is populated atomically
// by one iteration of the pipeline and never mutated after being appended
// to its run.
type ReasoningStep struct {
	Stage      StageID       `json:"stage"`
	Position   int           `json:"position"` // 1-based index in the canonical order
	Agent      string        `json:"agent"`
	Budget     int           `json:"budget"`
	TokensUsed int           `json:"tokens_used"`
	Duration   time.Duration `json:"duration"`
	Output     string        `json:"output"`
	Confidence float64       `json:"confidence"`
	Coherence  float64       `json:"coherence"`
	Density    float64       `json:"information_density"`
	Citations  []string      `json:"citations,omitempty"`
	Sources    []string      `json:"sources,omitempty"`
}

// VerificationResult is the run's terminal aggregate. All fields are in
// [0,1]. Confidence and entropy are independent measures: a run may be
// high-confidence yet high-entropy when steps agree in conclusion despite
// differing vocabulary.
type VerificationResult struct {
	Confidence float64 `json:"confidence"`
	Provenance float64 `json:"provenance_coverage"`
	Entropy    float64 `json:"semantic_entropy"`
	Coherence  float64 `json:"coherence"`
}

// Run is one execution of the reasoning pipeline for a single query.
//
// A run owns its ReasoningSteps exclusively: steps are appended as values
// and never shared or mutated. Reads are safe while the pipeline goroutine
// appends, so status projections (registry, health) may observe a run
// mid-flight. Writes happen only on the run's own goroutine.
type Run struct {
	TraceID   string
	Query     string
	SessionID string
	UserID    string

	// Budget accounting. TokensUsed is cumulative and soft: a single
	// stage may exceed its cap, but the run tracks total spend.
	Budget     int
	Caps       []int
	TokensUsed int

	// Retrieval results, fetched fresh before the first stage.
	Context  string
	Evidence []Evidence

	// Terminal outputs.
	Decision     Decision
	Answer       string
	Questions    []string
	Verification VerificationResult

	status Status
	steps  []ReasoningStep
	mu     sync.RWMutex

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRun creates a Run in the created state with a fresh trace ID.
func NewRun(query, sessionID, userID string, budget int) *Run {
	return &Run{
		TraceID:   uuid.New().String(),
		Query:     query,
		SessionID: sessionID,
		UserID:    userID,
		Budget:    budget,
		status:    StatusCreated,
		steps:     make([]ReasoningStep, 0, len(stages)),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// AppendStep appends a completed step to the run and accumulates its token
// usage. The step is immutable once appended.
func (r *Run) AppendStep(step ReasoningStep) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.steps = append(r.steps, step)
	r.TokensUsed += step.TokensUsed
	r.UpdatedAt = time.Now()
}

// Steps returns the completed steps in execution order.
func (r *Run) Steps() []ReasoningStep {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps := make([]ReasoningStep, len(r.steps))
	copy(steps, r.steps)
	return steps
}

// StepCount returns the number of completed steps.
func (r *Run) StepCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

// LastStep returns the most recently completed step.
func (r *Run) LastStep() (ReasoningStep, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.steps) == 0 {
		return ReasoningStep{}, false
	}
	return r.steps[len(r.steps)-1], true
}

// CurrentStage derives the stage the run is working on from its completed
// steps. There is no shared mutable "current agent" record; any such view
// is a projection over the append-only step log.
func (r *Run) CurrentStage() (StageID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.status != StatusRunning && r.status != StatusRetrieving {
		return "", false
	}
	if len(r.steps) >= len(stages) {
		return "", false
	}
	return stages[len(r.steps)].ID, true
}

// Status returns the run's lifecycle state.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// setStatus transitions the run's lifecycle state.
func (r *Run) setStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
	r.UpdatedAt = time.Now()
}

// Terminal reports whether the run has reached a terminal state.
func (r *Run) Terminal() bool {
	switch r.Status() {
	case StatusAnswered, StatusClarifying, StatusErrored:
		return true
	}
	return false
}

// AvailableSources lists every provenance identifier made available to the
// run: documentation excerpts and recalled memory records. Provenance
// coverage is measured against this set.
func (r *Run) AvailableSources() []string {
	sources := make([]string, 0, len(r.Evidence))
	seen := make(map[string]struct{}, len(r.Evidence))
	for _, ev := range r.Evidence {
		if _, ok := seen[ev.Source]; ok {
			continue
		}
		seen[ev.Source] = struct{}{}
		sources = append(sources, ev.Source)
	}
	return sources
}

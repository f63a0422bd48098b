package ruminate

import "time"

// Step event subtypes.
const (
	StepStart    = "step_start"
	StepComplete = "step_complete"
)

// PlanEvent announces the run: total stage count and metadata. Exactly one
// is emitted per run, before any step event.
type PlanEvent struct {
	TotalSteps int       `json:"totalSteps"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id"`
}

// StepMetrics carries a completed step's scores into the event stream.
type StepMetrics struct {
	Confidence float64 `json:"confidence"`
	Coherence  float64 `json:"coherenceScore"`
	Density    float64 `json:"informationDensity"`
	Citations  int     `json:"citationCount"`
}

// StepEvent marks a stage boundary. One step_start/step_complete pair is
// emitted per executed stage, in stage order.
type StepEvent struct {
	Type        string      `json:"type"`
	Step        int         `json:"step"`
	Node        StageID     `json:"node"`
	Agent       string      `json:"agent"`
	Budget      int         `json:"budget"`
	Detail      string      `json:"detail"`
	Metrics     StepMetrics `json:"metrics"`
	TokensTotal int         `json:"tokensTotal"`
}

// FinalEvent is the successful terminal event.
type FinalEvent struct {
	Type         string             `json:"type"`
	Answer       string             `json:"answer"`
	Verification VerificationResult `json:"verification"`
	TraceID      string             `json:"trace_id"`
	TokensUsed   int                `json:"tokensUsed"`
	Decision     Decision           `json:"decision"`
	Questions    []string           `json:"questions,omitempty"`
}

// ErrorEvent is the failed terminal event.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Emitter is the per-run, append-only, ordered event channel. Guaranteed
// order: exactly one Plan, one Step pair per executed stage in stage
// order, then exactly one terminal Final or Error. The channel is closed
// immediately after the terminal event; on true cancellation no terminal
// event is emitted at all.
type Emitter interface {
	Plan(ev PlanEvent) error
	Step(ev StepEvent) error
	Final(ev FinalEvent) error
	Error(ev ErrorEvent) error
}

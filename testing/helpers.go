// Package ruminatetest provides test utilities for ruminate.
package ruminatetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/zoobzio/zyn"

	"github.com/zoobzio/ruminate"
)

// MockStore implements ruminate.Store in memory, with content-hash
// deduplication matching the Postgres store's unique constraint.
type MockStore struct {
	chains   []*ruminate.ChainRecord
	memories []*ruminate.MemoryRecord
	byHash   map[string]*ruminate.MemoryRecord
	mu       sync.RWMutex

	// Error injection. A non-nil field fails the corresponding call.
	FailChain  error
	FailMemory error
	FailRecall error
	FailPing   error
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		byHash: make(map[string]*ruminate.MemoryRecord),
	}
}

// SaveChain persists a reasoning chain.
func (m *MockStore) SaveChain(_ context.Context, chain *ruminate.ChainRecord) (*ruminate.ChainRecord, error) {
	if m.FailChain != nil {
		return nil, m.FailChain
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = append(m.chains, chain)
	return chain, nil
}

// SaveMemory persists a memory record, returning the existing record when
// one with the same content hash is already stored.
func (m *MockStore) SaveMemory(_ context.Context, record *ruminate.MemoryRecord) (*ruminate.MemoryRecord, error) {
	if m.FailMemory != nil {
		return nil, m.FailMemory
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byHash[record.ContentHash]; ok {
		return existing, nil
	}
	m.byHash[record.ContentHash] = record
	m.memories = append(m.memories, record)
	return record, nil
}

// RecallBySession returns the session's memories, most recent first.
func (m *MockStore) RecallBySession(_ context.Context, sessionID string, limit int) ([]ruminate.MemoryRecord, error) {
	if m.FailRecall != nil {
		return nil, m.FailRecall
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ruminate.MemoryRecord
	for i := len(m.memories) - 1; i >= 0; i-- {
		if m.memories[i].SessionID != sessionID {
			continue
		}
		out = append(out, *m.memories[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SearchMemories returns embedded memories in insertion order. The mock
// does not rank by distance; tests assert on membership, not order.
func (m *MockStore) SearchMemories(_ context.Context, _ ruminate.Vector, limit int) ([]ruminate.MemoryRecord, error) {
	if m.FailRecall != nil {
		return nil, m.FailRecall
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ruminate.MemoryRecord
	for _, rec := range m.memories {
		if len(rec.Embedding) == 0 {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping reports readiness.
func (m *MockStore) Ping(_ context.Context) error {
	return m.FailPing
}

// Chains returns the persisted reasoning chains.
func (m *MockStore) Chains() []*ruminate.ChainRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ruminate.ChainRecord, len(m.chains))
	copy(out, m.chains)
	return out
}

// Memories returns the persisted memory records in insertion order.
func (m *MockStore) Memories() []*ruminate.MemoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ruminate.MemoryRecord, len(m.memories))
	copy(out, m.memories)
	return out
}

// Verify MockStore implements ruminate.Store.
var _ ruminate.Store = (*MockStore)(nil)

// MockProvider implements ruminate.Provider with scripted completions.
// Complete returns Outputs in call order (repeating the last when the
// script runs out); Call answers zyn synapse requests with canned
// transform JSON.
type MockProvider struct {
	// Outputs scripts Complete responses in call order.
	Outputs []string

	// FailAt makes the Nth Complete call (1-based) return Err.
	FailAt int
	Err    error

	// TransformJSON overrides the canned zyn transform response.
	TransformJSON string

	completeCalls int
	callCalls     int
	requests      []ruminate.CompletionRequest
	mu            sync.Mutex
}

// NewMockProvider creates a provider whose stages echo a default output.
func NewMockProvider(outputs ...string) *MockProvider {
	return &MockProvider{Outputs: outputs}
}

// Complete returns the next scripted output.
func (m *MockProvider) Complete(_ context.Context, req ruminate.CompletionRequest) (*ruminate.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completeCalls++
	m.requests = append(m.requests, req)

	if m.FailAt > 0 && m.completeCalls == m.FailAt {
		if m.Err != nil {
			return nil, m.Err
		}
		return nil, fmt.Errorf("scripted failure at call %d", m.completeCalls)
	}

	output := fmt.Sprintf("Reasoned output for call %d. The evidence supports this conclusion. It follows from the prior steps.", m.completeCalls)
	if len(m.Outputs) > 0 {
		i := m.completeCalls - 1
		if i >= len(m.Outputs) {
			i = len(m.Outputs) - 1
		}
		output = m.Outputs[i]
	}

	return &ruminate.Completion{
		Text: output,
		Usage: zyn.TokenUsage{
			Prompt:     10,
			Completion: 20,
			Total:      30,
		},
	}, nil
}

// Call implements zyn.Provider with canned transform JSON, so the gate's
// clarifying-question synapse parses.
func (m *MockProvider) Call(_ context.Context, _ []zyn.Message, _ float32) (*zyn.ProviderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCalls++

	content := m.TransformJSON
	if content == "" {
		content = `{"output": "Which environment are you deploying to?\nWhat version are you currently running?", "confidence": 0.9, "changes": [], "reasoning": ["Identified missing constraints"]}`
	}

	return &zyn.ProviderResponse{
		Content: content,
		Usage: zyn.TokenUsage{
			Prompt:     15,
			Completion: 25,
			Total:      40,
		},
	}, nil
}

// Name identifies the provider.
func (m *MockProvider) Name() string {
	return "mock"
}

// CompleteCalls returns how many stage completions were requested.
func (m *MockProvider) CompleteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeCalls
}

// CallCalls returns how many zyn synapse calls were made.
func (m *MockProvider) CallCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCalls
}

// Requests returns the completion requests in call order.
func (m *MockProvider) Requests() []ruminate.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ruminate.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Verify MockProvider implements ruminate.Provider.
var _ ruminate.Provider = (*MockProvider)(nil)

// StaticEvidence implements ruminate.EvidenceSource over a fixed slice.
type StaticEvidence struct {
	Items []ruminate.Evidence
	Err   error
}

// Search returns the fixed evidence, bounded by limit.
func (s *StaticEvidence) Search(_ context.Context, _ []string, limit int) ([]ruminate.Evidence, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	items := s.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

var _ ruminate.EvidenceSource = (*StaticEvidence)(nil)

// EventSink implements ruminate.Emitter, capturing events in emission
// order for assertions.
type EventSink struct {
	plans  []ruminate.PlanEvent
	steps  []ruminate.StepEvent
	finals []ruminate.FinalEvent
	errs   []ruminate.ErrorEvent
	order  []string
	mu     sync.Mutex

	// FailPlan makes Plan fail. FailStepAt makes the Nth Step call
	// (1-based) fail, simulating a closed stream mid-run.
	FailPlan   bool
	FailStepAt int

	stepCalls int
}

// NewEventSink creates an empty sink.
func NewEventSink() *EventSink {
	return &EventSink{}
}

// Plan implements Emitter.
func (s *EventSink) Plan(ev ruminate.PlanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPlan {
		return fmt.Errorf("sink: plan write refused")
	}
	s.plans = append(s.plans, ev)
	s.order = append(s.order, "plan")
	return nil
}

// Step implements Emitter.
func (s *EventSink) Step(ev ruminate.StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepCalls++
	if s.FailStepAt > 0 && s.stepCalls == s.FailStepAt {
		return fmt.Errorf("sink: step write refused")
	}
	s.steps = append(s.steps, ev)
	s.order = append(s.order, ev.Type)
	return nil
}

// Final implements Emitter.
func (s *EventSink) Final(ev ruminate.FinalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finals = append(s.finals, ev)
	s.order = append(s.order, "final")
	return nil
}

// Error implements Emitter.
func (s *EventSink) Error(ev ruminate.ErrorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs = append(s.errs, ev)
	s.order = append(s.order, "error")
	return nil
}

// Plans returns the captured plan events.
func (s *EventSink) Plans() []ruminate.PlanEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ruminate.PlanEvent(nil), s.plans...)
}

// StepEvents returns the captured step events in order.
func (s *EventSink) StepEvents() []ruminate.StepEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ruminate.StepEvent(nil), s.steps...)
}

// StepsOfType returns the captured step events of one subtype.
func (s *EventSink) StepsOfType(subtype string) []ruminate.StepEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ruminate.StepEvent
	for _, ev := range s.steps {
		if ev.Type == subtype {
			out = append(out, ev)
		}
	}
	return out
}

// Finals returns the captured terminal events.
func (s *EventSink) Finals() []ruminate.FinalEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ruminate.FinalEvent(nil), s.finals...)
}

// Errors returns the captured error events.
func (s *EventSink) Errors() []ruminate.ErrorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ruminate.ErrorEvent(nil), s.errs...)
}

// Order returns the event kinds in emission order, e.g.
// [plan step_start step_complete ... final].
func (s *EventSink) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Verify EventSink implements ruminate.Emitter.
var _ ruminate.Emitter = (*EventSink)(nil)

// FixedScorer implements ruminate.Scorer, returning the same scores for
// every step so gate outcomes are deterministic in tests.
type FixedScorer struct {
	Conf float64
	Coh  float64
	Dens float64
}

// Confidence returns the fixed confidence.
func (s FixedScorer) Confidence(_, _ int, _ string) float64 { return s.Conf }

// Coherence returns the fixed coherence.
func (s FixedScorer) Coherence(_ string) float64 { return s.Coh }

// Density returns the fixed density.
func (s FixedScorer) Density(_ string) float64 { return s.Dens }

var _ ruminate.Scorer = FixedScorer{}

// RequireDecision asserts the run reached the expected decision.
func RequireDecision(t *testing.T, run *ruminate.Run, expected ruminate.Decision) {
	t.Helper()
	if run.Decision != expected {
		t.Fatalf("expected decision %q, got %q", expected, run.Decision)
	}
}

// RequireStageOrder asserts the run's steps follow the canonical order,
// allowing a shorter prefix when synthesis was skipped.
func RequireStageOrder(t *testing.T, run *ruminate.Run) {
	t.Helper()

	canonical := ruminate.Stages()
	steps := run.Steps()
	if len(steps) > len(canonical) {
		t.Fatalf("run has %d steps, more than %d stages", len(steps), len(canonical))
	}
	for i, step := range steps {
		if step.Stage != canonical[i].ID {
			t.Fatalf("step %d: expected stage %q, got %q", i+1, canonical[i].ID, step.Stage)
		}
		if step.Position != i+1 {
			t.Fatalf("step %d: expected position %d, got %d", i+1, i+1, step.Position)
		}
	}
}

// ClarifyJSON builds a transform response carrying the given questions,
// one per line, for scripting the gate's clarify call.
func ClarifyJSON(questions ...string) string {
	return fmt.Sprintf(
		`{"output": %q, "confidence": 0.9, "changes": [], "reasoning": []}`,
		strings.Join(questions, "\n"),
	)
}

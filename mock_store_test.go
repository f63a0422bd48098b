package ruminate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/zyn"
)

// memStore implements Store in memory for pipeline tests, with the same
// content-hash deduplication the Postgres store enforces.
type memStore struct {
	chains   []*ChainRecord
	memories []*MemoryRecord
	byHash   map[string]*MemoryRecord
	mu       sync.RWMutex

	failChain  error
	failMemory error
	failPing   error
}

func newMemStore() *memStore {
	return &memStore{byHash: make(map[string]*MemoryRecord)}
}

func (m *memStore) SaveChain(_ context.Context, chain *ChainRecord) (*ChainRecord, error) {
	if m.failChain != nil {
		return nil, m.failChain
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = append(m.chains, chain)
	return chain, nil
}

func (m *memStore) SaveMemory(_ context.Context, record *MemoryRecord) (*MemoryRecord, error) {
	if m.failMemory != nil {
		return nil, m.failMemory
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

func (m *memStore) RecallBySession(_ context.Context, sessionID string, limit int) ([]MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []MemoryRecord
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

func (m *memStore) SearchMemories(_ context.Context, _ Vector, limit int) ([]MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []MemoryRecord
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

func (m *memStore) Ping(_ context.Context) error {
	return m.failPing
}

func (m *memStore) chainCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chains)
}

func (m *memStore) memoryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.memories)
}

var _ Store = (*memStore)(nil)

// scriptedProvider implements Provider with per-call scripted outputs and
// failure injection.
type scriptedProvider struct {
	outputs       []string
	failAt        int // 1-based Complete call index to fail
	err           error
	transformJSON string
	callDelay     time.Duration // blocks Call until the delay or ctx expiry
	zeroUsage     bool          // report no token usage on Complete

	completeCalls int
	callCalls     int
	requests      []CompletionRequest
	mu            sync.Mutex
}

func (m *scriptedProvider) Complete(_ context.Context, req CompletionRequest) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completeCalls++
	m.requests = append(m.requests, req)

	if m.failAt > 0 && m.completeCalls == m.failAt {
		if m.err != nil {
			return nil, m.err
		}
		return nil, fmt.Errorf("scripted failure at call %d", m.completeCalls)
	}

	output := fmt.Sprintf("Reasoned output for call %d. The evidence supports this conclusion. It follows from the prior steps.", m.completeCalls)
	if len(m.outputs) > 0 {
		i := m.completeCalls - 1
		if i >= len(m.outputs) {
			i = len(m.outputs) - 1
		}
		output = m.outputs[i]
	}

	if m.zeroUsage {
		return &Completion{Text: output}, nil
	}
	return &Completion{
		Text: output,
		Usage: zyn.TokenUsage{
			Prompt:     10,
			Completion: 20,
			Total:      30,
		},
	}, nil
}

func (m *scriptedProvider) Call(ctx context.Context, _ []zyn.Message, _ float32) (*zyn.ProviderResponse, error) {
	m.mu.Lock()
	m.callCalls++
	delay := m.callDelay
	content := m.transformJSON
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

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

func (m *scriptedProvider) Name() string {
	return "scripted"
}

func (m *scriptedProvider) completeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeCalls
}

func (m *scriptedProvider) synapseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCalls
}

var _ Provider = (*scriptedProvider)(nil)

// staticSource implements EvidenceSource over a fixed slice.
type staticSource struct {
	items []Evidence
	err   error
}

func (s *staticSource) Search(_ context.Context, _ []string, limit int) ([]Evidence, error) {
	if s.err != nil {
		return nil, s.err
	}
	items := s.items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

var _ EvidenceSource = (*staticSource)(nil)

// eventSink implements Emitter, capturing events in emission order.
type eventSink struct {
	plans  []PlanEvent
	steps  []StepEvent
	finals []FinalEvent
	errs   []ErrorEvent
	order  []string
	mu     sync.Mutex

	failPlan   bool
	failStepAt int // 1-based Step call index to fail
	stepCalls  int
}

func newEventSink() *eventSink {
	return &eventSink{}
}

func (s *eventSink) Plan(ev PlanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPlan {
		return fmt.Errorf("sink: plan write refused")
	}
	s.plans = append(s.plans, ev)
	s.order = append(s.order, "plan")
	return nil
}

func (s *eventSink) Step(ev StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepCalls++
	if s.failStepAt > 0 && s.stepCalls == s.failStepAt {
		return fmt.Errorf("sink: step write refused")
	}
	s.steps = append(s.steps, ev)
	s.order = append(s.order, ev.Type)
	return nil
}

func (s *eventSink) Final(ev FinalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finals = append(s.finals, ev)
	s.order = append(s.order, "final")
	return nil
}

func (s *eventSink) Error(ev ErrorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs = append(s.errs, ev)
	s.order = append(s.order, "error")
	return nil
}

func (s *eventSink) stepsOfType(subtype string) []StepEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StepEvent
	for _, ev := range s.steps {
		if ev.Type == subtype {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSink) planCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans)
}

func (s *eventSink) finalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finals)
}

func (s *eventSink) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func (s *eventSink) lastFinal() (FinalEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.finals) == 0 {
		return FinalEvent{}, false
	}
	return s.finals[len(s.finals)-1], true
}

var _ Emitter = (*eventSink)(nil)

// fixedScorer returns the same scores for every step, making gate outcomes
// deterministic.
type fixedScorer struct {
	conf float64
	coh  float64
	dens float64
}

func (s fixedScorer) Confidence(_, _ int, _ string) float64 { return s.conf }
func (s fixedScorer) Coherence(_ string) float64            { return s.coh }
func (s fixedScorer) Density(_ string) float64              { return s.dens }

var _ Scorer = fixedScorer{}

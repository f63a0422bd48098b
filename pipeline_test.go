package ruminate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func answerPipeline(store *memStore, provider Provider) *Pipeline {
	return NewPipeline(provider, store).
		WithScorer(fixedScorer{conf: 0.9, coh: 0.7, dens: 0.8})
}

func TestExecuteAnswerFlow(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{}
	sink := newEventSink()

	run, err := answerPipeline(store, provider).Execute(context.Background(), Request{
		Message:   "why is the cache bounded",
		SessionID: "s1",
		UserID:    "u1",
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Decision != DecisionAnswer {
		t.Errorf("expected answer decision, got %q", run.Decision)
	}
	if run.Status() != StatusAnswered {
		t.Errorf("expected answered status, got %q", run.Status())
	}
	if run.StepCount() != StageCount() {
		t.Errorf("expected %d steps, got %d", StageCount(), run.StepCount())
	}
	if run.Answer == "" {
		t.Error("expected a synthesized answer")
	}

	// Every stage made exactly one completion call.
	if provider.completeCount() != StageCount() {
		t.Errorf("expected %d completion calls, got %d", StageCount(), provider.completeCount())
	}

	// Steps follow the canonical order.
	canonical := Stages()
	for i, step := range run.Steps() {
		if step.Stage != canonical[i].ID {
			t.Errorf("step %d: expected %q, got %q", i+1, canonical[i].ID, step.Stage)
		}
		if step.Position != i+1 {
			t.Errorf("step %d: expected position %d, got %d", i+1, i+1, step.Position)
		}
	}

	// Token accounting: scripted usage is 30 per call.
	if run.TokensUsed != 30*StageCount() {
		t.Errorf("expected %d tokens, got %d", 30*StageCount(), run.TokensUsed)
	}
}

func TestExecuteEventProtocol(t *testing.T) {
	store := newMemStore()
	sink := newEventSink()

	_, err := answerPipeline(store, &scriptedProvider{}).Execute(context.Background(), Request{
		Message: "a question",
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sink.planCount() != 1 {
		t.Fatalf("expected exactly one plan event, got %d", sink.planCount())
	}
	if sink.plans[0].TotalSteps != StageCount() {
		t.Errorf("expected totalSteps %d, got %d", StageCount(), sink.plans[0].TotalSteps)
	}

	starts := sink.stepsOfType(StepStart)
	completes := sink.stepsOfType(StepComplete)
	if len(starts) != StageCount() || len(completes) != StageCount() {
		t.Fatalf("expected %d step pairs, got %d starts / %d completes", StageCount(), len(starts), len(completes))
	}

	canonical := Stages()
	for i := range starts {
		if starts[i].Node != canonical[i].ID {
			t.Errorf("start %d: expected node %q, got %q", i, canonical[i].ID, starts[i].Node)
		}
		if completes[i].Node != canonical[i].ID {
			t.Errorf("complete %d: expected node %q, got %q", i, canonical[i].ID, completes[i].Node)
		}
		if starts[i].Agent == "" {
			t.Errorf("start %d: missing agent label", i)
		}
	}

	// Completed steps carry metrics.
	for i, ev := range completes {
		if ev.Metrics.Confidence != 0.9 {
			t.Errorf("complete %d: expected scorer confidence, got %f", i, ev.Metrics.Confidence)
		}
	}

	if sink.finalCount() != 1 {
		t.Fatalf("expected exactly one final event, got %d", sink.finalCount())
	}
	final, _ := sink.lastFinal()
	if final.Decision != DecisionAnswer {
		t.Errorf("expected answer decision in final event, got %q", final.Decision)
	}
	if final.Verification.Confidence == 0 {
		t.Error("expected verification aggregate in final event")
	}

	// The terminal event comes last.
	order := sink.order
	if order[len(order)-1] != "final" {
		t.Errorf("expected final last, got order %v", order)
	}
}

func TestExecutePersistsAnsweredRun(t *testing.T) {
	store := newMemStore()

	run, err := answerPipeline(store, &scriptedProvider{}).Execute(context.Background(), Request{
		Message:   "a question",
		SessionID: "s1",
	}, newEventSink())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chains := store.chains
	if len(chains) != 1 {
		t.Fatalf("expected 1 persisted chain, got %d", len(chains))
	}
	if chains[0].TraceID != run.TraceID {
		t.Error("expected chain keyed by run trace ID")
	}
	if chains[0].Decision != string(DecisionAnswer) {
		t.Errorf("expected answer decision, got %q", chains[0].Decision)
	}

	// Query and answer both become memories.
	if store.memoryCount() != 2 {
		t.Fatalf("expected 2 memories, got %d", store.memoryCount())
	}
	tiers := map[string]bool{}
	for _, m := range store.memories {
		tiers[m.Tier] = true
	}
	if !tiers[TierEpisodic] || !tiers[TierSemantic] {
		t.Errorf("expected episodic query and semantic answer memories, got %v", tiers)
	}
}

func TestExecuteClarifyFlow(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{}
	sink := newEventSink()

	pipeline := NewPipeline(provider, store).
		WithScorer(fixedScorer{conf: 0.3, coh: 0.5, dens: 0.5})

	run, err := pipeline.Execute(context.Background(), Request{
		Message:   "should we migrate",
		SessionID: "s1",
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Decision != DecisionClarify {
		t.Errorf("expected clarify decision, got %q", run.Decision)
	}
	if run.Status() != StatusClarifying {
		t.Errorf("expected clarification_requested status, got %q", run.Status())
	}
	if len(run.Questions) < 1 || len(run.Questions) > 2 {
		t.Fatalf("expected 1-2 questions, got %v", run.Questions)
	}
	if run.Answer != "" {
		t.Errorf("expected no answer on clarify, got %q", run.Answer)
	}

	// Synthesis is skipped: 7 stage calls, not 8.
	if provider.completeCount() != StageCount()-1 {
		t.Errorf("expected %d completion calls, got %d", StageCount()-1, provider.completeCount())
	}
	if run.StepCount() != StageCount()-1 {
		t.Errorf("expected %d steps, got %d", StageCount()-1, run.StepCount())
	}

	// Terminal event still arrives, carrying the questions.
	final, ok := sink.lastFinal()
	if !ok {
		t.Fatal("expected a final event")
	}
	if final.Decision != DecisionClarify {
		t.Errorf("expected clarify in final event, got %q", final.Decision)
	}
	if len(final.Questions) == 0 {
		t.Error("expected questions in final event")
	}

	// Clarify runs persist: chain plus query and clarification memories.
	if len(store.chains) != 1 {
		t.Errorf("expected persisted chain, got %d", len(store.chains))
	}
	tiers := map[string]bool{}
	for _, m := range store.memories {
		tiers[m.Tier] = true
	}
	if !tiers[TierWorking] {
		t.Errorf("expected working-tier clarification memory, got %v", tiers)
	}
}

func TestExecuteUpstreamFailureMidRun(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{
		failAt: 3,
		err:    &UpstreamError{Kind: KindRateLimited, Status: 429, Message: "slow down"},
	}
	sink := newEventSink()

	run, err := answerPipeline(store, provider).Execute(context.Background(), Request{
		Message: "a question",
	}, sink)
	if err == nil {
		t.Fatal("expected error")
	}

	if !IsRateLimited(err) {
		t.Errorf("expected rate-limit classification through wrapping, got %v", err)
	}
	if run.Status() != StatusErrored {
		t.Errorf("expected errored status, got %q", run.Status())
	}

	// Two stages completed before the failure.
	if got := len(sink.stepsOfType(StepComplete)); got != 2 {
		t.Errorf("expected 2 completed steps, got %d", got)
	}

	// Terminal error event, no final, nothing persisted.
	if sink.errorCount() != 1 {
		t.Errorf("expected exactly one error event, got %d", sink.errorCount())
	}
	if sink.finalCount() != 0 {
		t.Errorf("expected no final event, got %d", sink.finalCount())
	}
	if !strings.Contains(sink.errs[0].Message, "rate limited") {
		t.Errorf("expected rate-limit message, got %q", sink.errs[0].Message)
	}
	if store.chainCount() != 0 || store.memoryCount() != 0 {
		t.Error("expected nothing persisted for an errored run")
	}
}

func TestExecuteCancellationBeforeStages(t *testing.T) {
	store := newMemStore()
	sink := newEventSink()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := answerPipeline(store, &scriptedProvider{}).Execute(ctx, Request{
		Message: "a question",
	}, sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// No terminal event of either kind, nothing persisted.
	if sink.finalCount() != 0 || sink.errorCount() != 0 {
		t.Error("expected no terminal events on cancellation")
	}
	if store.chainCount() != 0 || store.memoryCount() != 0 {
		t.Error("expected nothing persisted on cancellation")
	}
}

func TestExecuteStreamClosedMidRun(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{}
	sink := newEventSink()
	// Fail the step_start of the third stage (calls 1-4 are the first two
	// stage pairs).
	sink.failStepAt = 5

	_, err := answerPipeline(store, provider).Execute(context.Background(), Request{
		Message: "a question",
	}, sink)
	if err == nil {
		t.Fatal("expected error")
	}

	// A closed stream cancels silently: no error event, nothing persisted.
	if sink.errorCount() != 0 || sink.finalCount() != 0 {
		t.Error("expected no terminal events after stream closed")
	}
	if store.chainCount() != 0 {
		t.Error("expected nothing persisted after stream closed")
	}
	if provider.completeCount() != 2 {
		t.Errorf("expected no further completion calls, got %d", provider.completeCount())
	}
}

func TestExecutePlanWriteFailure(t *testing.T) {
	store := newMemStore()
	sink := newEventSink()
	sink.failPlan = true

	_, err := answerPipeline(store, &scriptedProvider{}).Execute(context.Background(), Request{
		Message: "a question",
	}, sink)
	if err == nil {
		t.Fatal("expected error")
	}

	if len(sink.steps) != 0 {
		t.Error("expected no step events after plan write failure")
	}
	if store.chainCount() != 0 {
		t.Error("expected nothing persisted after plan write failure")
	}
}

func TestExecuteEmptyQuery(t *testing.T) {
	pipeline := answerPipeline(newMemStore(), &scriptedProvider{})

	for _, msg := range []string{"", "   ", "\n\t"} {
		if _, err := pipeline.Execute(context.Background(), Request{Message: msg}, newEventSink()); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("message %q: expected ErrEmptyQuery, got %v", msg, err)
		}
	}
}

func TestExecuteNoProvider(t *testing.T) {
	SetProvider(nil)

	pipeline := NewPipeline(nil, newMemStore())
	_, err := pipeline.Execute(context.Background(), Request{Message: "q"}, newEventSink())
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestExecuteResolvesContextProvider(t *testing.T) {
	SetProvider(nil)
	store := newMemStore()
	provider := &scriptedProvider{}

	pipeline := NewPipeline(nil, store).
		WithScorer(fixedScorer{conf: 0.9, coh: 0.7, dens: 0.8})

	ctx := WithProviderContext(context.Background(), provider)
	run, err := pipeline.Execute(ctx, Request{Message: "q"}, newEventSink())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Decision != DecisionAnswer {
		t.Errorf("expected answer via context provider, got %q", run.Decision)
	}
}

func TestExecuteEvidenceFeedsProvenance(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{
		outputs: []string{"Per the documentation [guide.md], the cache evicts by LRU. This is settled."},
	}
	source := &staticSource{items: []Evidence{
		{Source: "guide.md", Excerpt: "the cache evicts by LRU", Relevance: 0.9},
	}}

	pipeline := answerPipeline(store, provider).WithEvidence(source)

	run, err := pipeline.Execute(context.Background(), Request{Message: "how does the cache evict"}, newEventSink())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(run.Evidence) != 1 {
		t.Fatalf("expected 1 evidence item, got %d", len(run.Evidence))
	}
	if !strings.Contains(run.Context, "guide.md") {
		t.Error("expected evidence rendered into run context")
	}
	if run.Verification.Provenance != 1 {
		t.Errorf("expected full provenance coverage, got %f", run.Verification.Provenance)
	}

	// The retrieval step lists the evidence among its sources.
	retrieveStep := run.Steps()[1]
	found := false
	for _, s := range retrieveStep.Sources {
		if s == "guide.md" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected guide.md among retrieval sources, got %v", retrieveStep.Sources)
	}
}

func TestExecuteDocsUnavailableRecovers(t *testing.T) {
	store := newMemStore()
	source := &staticSource{err: ErrDocsUnavailable}

	pipeline := answerPipeline(store, &scriptedProvider{}).WithEvidence(source)

	run, err := pipeline.Execute(context.Background(), Request{Message: "a question"}, newEventSink())
	if err != nil {
		t.Fatalf("expected run to proceed without docs, got %v", err)
	}

	if run.Decision != DecisionAnswer {
		t.Errorf("expected answer, got %q", run.Decision)
	}
	// No sources were available, so coverage degrades to zero.
	if run.Verification.Provenance != 0 {
		t.Errorf("expected zero provenance, got %f", run.Verification.Provenance)
	}
}

func TestExecuteRecallsSessionMemories(t *testing.T) {
	store := newMemStore()
	prior := NewMemoryRecord("previous conclusion about the cache", TierSemantic, "s1", 0.8, nil)
	if _, err := store.SaveMemory(context.Background(), prior); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	run, err := answerPipeline(store, &scriptedProvider{}).Execute(context.Background(), Request{
		Message:   "what did we conclude about the cache",
		SessionID: "s1",
	}, newEventSink())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(run.Context, "previous conclusion about the cache") {
		t.Error("expected recalled memory in run context")
	}

	found := false
	for _, ev := range run.Evidence {
		if strings.HasPrefix(ev.Source, "memory:") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected memory-sourced evidence, got %v", run.Evidence)
	}
}

func TestExecuteStageBudgetsFromAllocation(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{}
	sink := newEventSink()

	_, err := answerPipeline(store, provider).WithBudget(8000).Execute(context.Background(), Request{
		Message: "a question",
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	caps, err := Allocate(8000, Stages())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	for i, req := range provider.requests {
		if req.MaxTokens != caps[i] {
			t.Errorf("stage %d: expected cap %d, got %d", i+1, caps[i], req.MaxTokens)
		}
	}

	starts := sink.stepsOfType(StepStart)
	for i, ev := range starts {
		if ev.Budget != caps[i] {
			t.Errorf("start %d: expected budget %d in event, got %d", i, caps[i], ev.Budget)
		}
	}
}

func TestExecutePersistFailureSurfaces(t *testing.T) {
	store := newMemStore()
	store.failChain = errors.New("disk full")
	sink := newEventSink()

	_, err := answerPipeline(store, &scriptedProvider{}).Execute(context.Background(), Request{
		Message: "a question",
	}, sink)
	if err == nil {
		t.Fatal("expected error")
	}

	if sink.errorCount() != 1 {
		t.Errorf("expected terminal error event, got %d", sink.errorCount())
	}
	if sink.finalCount() != 0 {
		t.Errorf("expected no final event, got %d", sink.finalCount())
	}
}

func TestExecuteClarifyCallCarriesDeadline(t *testing.T) {
	provider := &scriptedProvider{callDelay: 10 * time.Second}
	sink := newEventSink()
	pipeline := NewPipeline(provider, newMemStore()).
		WithScorer(fixedScorer{conf: 0.3, coh: 0.5, dens: 0.5}).
		WithStageTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := pipeline.Execute(context.Background(), Request{Message: "a question"}, sink)
	if err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected deadline to bound the clarify call, ran %v", elapsed)
	}

	if sink.errorCount() != 1 {
		t.Errorf("expected terminal error event, got %d", sink.errorCount())
	}
	if sink.finalCount() != 0 {
		t.Errorf("expected no final event, got %d", sink.finalCount())
	}
}

func TestExecuteEstimatesTokensFromFullPrompt(t *testing.T) {
	provider := &scriptedProvider{zeroUsage: true}
	store := newMemStore()

	run, err := answerPipeline(store, provider).Execute(context.Background(), Request{
		Message: "a question",
	}, newEventSink())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	steps := run.Steps()
	if len(steps) != len(provider.requests) {
		t.Fatalf("expected %d requests, got %d", len(steps), len(provider.requests))
	}
	for i, step := range steps {
		req := provider.requests[i]
		want := estimateTokens(req.System) + estimateTokens(req.User) + estimateTokens(step.Output)
		if step.TokensUsed != want {
			t.Errorf("step %d: expected estimate %d, got %d", i, want, step.TokensUsed)
		}
		if step.TokensUsed <= estimateTokens(req.User)+estimateTokens(step.Output) {
			t.Errorf("step %d: estimate should include the system prompt", i)
		}
	}
}

func TestSnippetKeepsRuneBoundary(t *testing.T) {
	text := strings.Repeat("é", 200)
	got := snippet(text, 241)

	if !utf8.ValidString(got) {
		t.Fatalf("expected valid UTF-8, got %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected truncation marker, got %q", got)
	}
	if len(got) > 241+len("…") {
		t.Errorf("expected at most %d bytes before the marker, got %d", 241, len(got))
	}

	if short := snippet("plain", 240); short != "plain" {
		t.Errorf("expected short text unchanged, got %q", short)
	}
}

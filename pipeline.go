package ruminate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// Default pipeline settings.
const (
	DefaultBudget        = 8000
	DefaultStageTimeout  = 60 * time.Second
	DefaultRecallLimit   = 5
	DefaultEvidenceLimit = 5
)

// Request is one reasoning request.
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// errStreamClosed marks an emitter write failure: the consumer is gone, so
// the run is abandoned silently rather than failed.
var errStreamClosed = errors.New("event stream closed")

// Pipeline drives the fixed reasoning sequence for each request: it
// retrieves context, allocates the token budget, executes stages strictly
// sequentially with one completion call each, scores every step, runs the
// decision gate after verification, and persists terminal runs.
//
// A Pipeline is safe for concurrent use; each Execute call is an
// independent run sharing only the store and read-only configuration.
type Pipeline struct {
	provider Provider
	store    Store
	evidence EvidenceSource
	embedder Embedder
	scorer   Scorer
	prompts  *PromptBuilder
	registry *Registry

	budget        int
	threshold     float64
	stageTimeout  time.Duration
	recallLimit   int
	evidenceLimit int
}

// NewPipeline creates a pipeline over a completion provider and a memory
// store. A nil provider is resolved from context or the global default at
// execution time.
func NewPipeline(provider Provider, store Store) *Pipeline {
	return &Pipeline{
		provider:      provider,
		store:         store,
		scorer:        HeuristicScorer{},
		prompts:       NewPromptBuilder(),
		budget:        DefaultBudget,
		threshold:     DefaultThreshold,
		stageTimeout:  DefaultStageTimeout,
		recallLimit:   DefaultRecallLimit,
		evidenceLimit: DefaultEvidenceLimit,
	}
}

// WithEvidence sets the documentation corpus.
func (p *Pipeline) WithEvidence(source EvidenceSource) *Pipeline {
	p.evidence = source
	return p
}

// WithEmbedder enables semantic memory retrieval and embedding of stored
// artifacts.
func (p *Pipeline) WithEmbedder(e Embedder) *Pipeline {
	p.embedder = e
	return p
}

// WithScorer replaces the default heuristic scoring strategy.
func (p *Pipeline) WithScorer(s Scorer) *Pipeline {
	p.scorer = s
	return p
}

// WithBudget sets the total token budget per run.
func (p *Pipeline) WithBudget(tokens int) *Pipeline {
	p.budget = tokens
	return p
}

// WithThreshold sets the decision gate's confidence threshold.
func (p *Pipeline) WithThreshold(t float64) *Pipeline {
	p.threshold = t
	return p
}

// WithStageTimeout bounds each stage's completion call. An unresponsive
// completion service would otherwise hang the run indefinitely.
func (p *Pipeline) WithStageTimeout(d time.Duration) *Pipeline {
	p.stageTimeout = d
	return p
}

// WithContextWindow bounds the prior-output characters per stage prompt.
func (p *Pipeline) WithContextWindow(chars int) *Pipeline {
	p.prompts = p.prompts.WithWindow(chars)
	return p
}

// WithRegistry tracks active runs for health reporting.
func (p *Pipeline) WithRegistry(r *Registry) *Pipeline {
	p.registry = r
	return p
}

// Execute runs the full pipeline for one request, pushing events to the
// emitter as they occur. The returned error is also reflected in the
// stream: the consumer always receives a well-formed terminal event except
// on true cancellation, where partial state is discarded silently and
// nothing is persisted.
func (p *Pipeline) Execute(ctx context.Context, req Request, emit Emitter) (*Run, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyQuery
	}

	provider, err := ResolveProvider(ctx, p.provider)
	if err != nil {
		return nil, err
	}

	run := NewRun(req.Message, req.SessionID, req.UserID, p.budget)
	if p.registry != nil {
		p.registry.Add(run)
		defer p.registry.Remove(run.TraceID)
	}

	capitan.Emit(ctx, RunStarted,
		FieldTraceID.Field(run.TraceID),
		FieldSessionID.Field(run.SessionID),
		FieldQuerySize.Field(len(run.Query)),
		FieldBudget.Field(run.Budget),
	)

	p.retrieve(ctx, run)
	if ctx.Err() != nil {
		return p.cancel(ctx, run)
	}

	caps, err := Allocate(p.budget, stages)
	if err != nil {
		return p.fail(ctx, run, emit, err)
	}
	run.Caps = caps

	if err := emit.Plan(PlanEvent{
		TotalSteps: len(stages),
		Timestamp:  time.Now().UTC(),
		TraceID:    run.TraceID,
	}); err != nil {
		return p.cancel(ctx, run)
	}

	run.setStatus(StatusRunning)
	gate := NewGate(provider).WithThreshold(p.threshold)

	if _, err := p.buildSequence(provider, gate, caps, emit).Process(ctx, run); err != nil {
		if ctx.Err() != nil || errors.Is(err, errStreamClosed) {
			return p.cancel(ctx, run)
		}
		return p.fail(ctx, run, emit, err)
	}

	if run.Decision == DecisionAnswer {
		run.setStatus(StatusAnswered)
	} else {
		run.setStatus(StatusClarifying)
	}

	if err := p.persist(ctx, run); err != nil {
		if ctx.Err() != nil {
			return p.cancel(ctx, run)
		}
		return p.fail(ctx, run, emit, err)
	}

	capitan.Emit(ctx, RunCompleted,
		FieldTraceID.Field(run.TraceID),
		FieldDecision.Field(string(run.Decision)),
		FieldStepCount.Field(run.StepCount()),
		FieldTokensUsed.Field(run.TokensUsed),
		FieldConfidence.Field(float32(run.Verification.Confidence)),
		FieldEntropy.Field(float32(run.Verification.Entropy)),
		FieldProvenance.Field(float32(run.Verification.Provenance)),
	)

	// The terminal frame. A write failure here means the client left after
	// the run already completed and persisted; nothing to unwind.
	_ = emit.Final(FinalEvent{
		Type:         "final",
		Answer:       run.Answer,
		Verification: run.Verification,
		TraceID:      run.TraceID,
		TokensUsed:   run.TokensUsed,
		Decision:     run.Decision,
		Questions:    run.Questions,
	})

	return run, nil
}

// buildSequence composes the per-run pipz sequence: every stage through
// verification, the gate, then synthesis filtered on an answer decision.
func (p *Pipeline) buildSequence(provider Provider, gate *Gate, caps []int, emit Emitter) pipz.Chainable[*Run] {
	procs := make([]pipz.Chainable[*Run], 0, len(stages)+2)

	var synthesize pipz.Chainable[*Run]
	for i, stage := range stages {
		proc := p.stageProcessor(provider, i+1, stage, caps[i], emit)
		if stage.ID == StageSynthesize {
			synthesize = proc
			continue
		}
		procs = append(procs, proc)
	}

	// The clarify path makes its own completion call, so the gate carries
	// the same deadline as the stages.
	gateProc := pipz.Apply(pipz.Name("gate"), func(ctx context.Context, r *Run) (*Run, error) {
		r.setStatus(StatusVerifying)
		r.Verification = Verify(r.Steps(), r.AvailableSources())

		r.setStatus(StatusDeciding)
		outcome, err := gate.Decide(ctx, r, r.Verification)
		if err != nil {
			return r, err
		}
		r.Decision = outcome.Decision
		r.Questions = outcome.Questions

		capitan.Emit(ctx, GateDecided,
			FieldTraceID.Field(r.TraceID),
			FieldDecision.Field(string(r.Decision)),
			FieldConfidence.Field(float32(r.Verification.Confidence)),
			FieldQuestionCount.Field(len(r.Questions)),
		)
		r.setStatus(StatusRunning)
		return r, nil
	})
	procs = append(procs, pipz.NewTimeout(pipz.Name("gate-timeout"), gateProc, p.stageTimeout))

	procs = append(procs, pipz.NewFilter(pipz.Name("synthesize-on-answer"),
		func(_ context.Context, r *Run) bool { return r.Decision == DecisionAnswer },
		synthesize,
	))

	return pipz.NewSequence(pipz.Name("reasoning"), procs...)
}

// stageProcessor builds one stage's processor: cancellation check, prompt
// construction, the completion call under a per-stage deadline, scoring,
// and the step_start/step_complete event pair.
func (p *Pipeline) stageProcessor(provider Provider, position int, stage Stage, budget int, emit Emitter) pipz.Chainable[*Run] {
	proc := pipz.Apply(pipz.Name(string(stage.ID)), func(ctx context.Context, r *Run) (*Run, error) {
		// Cancellation is checked before every stage, not only at run
		// start, so a disconnect aborts further completion calls.
		if err := ctx.Err(); err != nil {
			return r, err
		}

		if err := emit.Step(StepEvent{
			Type:        StepStart,
			Step:        position,
			Node:        stage.ID,
			Agent:       stage.Agent,
			Budget:      budget,
			Detail:      stage.Detail,
			TokensTotal: r.TokensUsed,
		}); err != nil {
			return r, fmt.Errorf("%w: %w", errStreamClosed, err)
		}

		capitan.Emit(ctx, StageStarted,
			FieldTraceID.Field(r.TraceID),
			FieldStage.Field(string(stage.ID)),
			FieldAgent.Field(stage.Agent),
			FieldPosition.Field(position),
			FieldStageBudget.Field(budget),
			FieldTemperature.Field(stage.Temperature),
		)

		start := time.Now()
		system, user := p.prompts.Build(stage, r.Query, r.Context, r.Steps())

		completion, err := provider.Complete(ctx, CompletionRequest{
			System:      system,
			User:        user,
			MaxTokens:   budget,
			Temperature: stage.Temperature,
		})
		duration := time.Since(start)

		if err != nil {
			capitan.Error(ctx, StageFailed,
				FieldTraceID.Field(r.TraceID),
				FieldStage.Field(string(stage.ID)),
				FieldStageDuration.Field(duration),
				FieldError.Field(err),
			)
			return r, fmt.Errorf("stage %s: %w", stage.ID, err)
		}

		output := completion.Text
		tokens := completion.Usage.Total
		if tokens == 0 {
			tokens = estimateTokens(system) + estimateTokens(user) + estimateTokens(output)
		}

		step := ReasoningStep{
			Stage:      stage.ID,
			Position:   position,
			Agent:      stage.Agent,
			Budget:     budget,
			TokensUsed: tokens,
			Duration:   duration,
			Output:     output,
			Confidence: p.scorer.Confidence(position, len(stages), output),
			Coherence:  p.scorer.Coherence(output),
			Density:    p.scorer.Density(output),
			Citations:  ExtractCitations(output),
			Sources:    p.stageSources(stage, r),
		}
		r.AppendStep(step)

		if stage.ID == StageSynthesize {
			r.Answer = output
		}

		if err := emit.Step(StepEvent{
			Type:   StepComplete,
			Step:   position,
			Node:   stage.ID,
			Agent:  stage.Agent,
			Budget: budget,
			Detail: snippet(output, 240),
			Metrics: StepMetrics{
				Confidence: step.Confidence,
				Coherence:  step.Coherence,
				Density:    step.Density,
				Citations:  len(step.Citations),
			},
			TokensTotal: r.TokensUsed,
		}); err != nil {
			return r, fmt.Errorf("%w: %w", errStreamClosed, err)
		}

		capitan.Emit(ctx, StageCompleted,
			FieldTraceID.Field(r.TraceID),
			FieldStage.Field(string(stage.ID)),
			FieldPosition.Field(position),
			FieldStageDuration.Field(duration),
			FieldOutputSize.Field(len(output)),
			FieldTokensUsed.Field(r.TokensUsed),
			FieldConfidence.Field(float32(step.Confidence)),
		)

		return r, nil
	})

	return pipz.NewTimeout(pipz.Name(string(stage.ID)+"-timeout"), proc, p.stageTimeout)
}

// stageSources lists the provenance descriptors a stage consulted. Every
// stage consults the language model; the retrieval stage additionally
// consulted the evidence set.
func (p *Pipeline) stageSources(stage Stage, r *Run) []string {
	sources := []string{"language model"}
	if stage.ID == StageRetrieve {
		sources = append(sources, r.AvailableSources()...)
	}
	return sources
}

// retrieve loads memory context and documentation evidence before the
// first stage. Both paths are recoverable: the run proceeds with whatever
// context could be fetched, at the cost of lower provenance coverage.
func (p *Pipeline) retrieve(ctx context.Context, run *Run) {
	run.setStatus(StatusRetrieving)

	records := p.recallMemories(ctx, run)
	run.Evidence = MemoryEvidence(records)

	capitan.Emit(ctx, ContextRetrieved,
		FieldTraceID.Field(run.TraceID),
		FieldSessionID.Field(run.SessionID),
		FieldMemoryCount.Field(len(records)),
	)

	if p.evidence != nil {
		docs, err := p.evidence.Search(ctx, Keywords(run.Query), p.evidenceLimit)
		if err != nil {
			capitan.Error(ctx, EvidenceGathered,
				FieldTraceID.Field(run.TraceID),
				FieldEvidenceCount.Field(0),
				FieldError.Field(err),
			)
		} else {
			run.Evidence = append(run.Evidence, docs...)
			capitan.Emit(ctx, EvidenceGathered,
				FieldTraceID.Field(run.TraceID),
				FieldEvidenceCount.Field(len(docs)),
			)
		}
	}

	run.Context = RenderEvidenceToContext(run.Evidence)
}

// recallMemories prefers vector search when an embedder is configured and
// falls back to recency/importance recall.
func (p *Pipeline) recallMemories(ctx context.Context, run *Run) []MemoryRecord {
	if p.embedder != nil {
		embedding, err := p.embedder.Embed(ctx, run.Query)
		if err == nil {
			records, searchErr := p.store.SearchMemories(ctx, NewVector(embedding), p.recallLimit)
			if searchErr == nil {
				return records
			}
		}
	}

	records, err := p.store.RecallBySession(ctx, run.SessionID, p.recallLimit)
	if err != nil {
		return nil
	}
	return records
}

// persist writes the terminal run: one reasoning chain plus a memory per
// significant text artifact (the query and the answer or the open
// clarification thread), so future context retrieval sees them.
func (p *Pipeline) persist(ctx context.Context, run *Run) error {
	chain, err := NewChainRecord(run)
	if err != nil {
		return err
	}
	if _, err := p.store.SaveChain(ctx, chain); err != nil {
		return fmt.Errorf("persist reasoning chain: %w", err)
	}

	capitan.Emit(ctx, ChainPersisted,
		FieldTraceID.Field(run.TraceID),
		FieldDecision.Field(string(run.Decision)),
		FieldStepCount.Field(run.StepCount()),
	)

	if err := p.saveMemory(ctx, run, run.Query, TierEpisodic, 0.5, map[string]string{"kind": "query"}); err != nil {
		return err
	}

	if run.Decision == DecisionAnswer {
		return p.saveMemory(ctx, run, run.Answer, TierSemantic, run.Verification.Confidence, map[string]string{"kind": "answer"})
	}
	return p.saveMemory(ctx, run, strings.Join(run.Questions, "\n"), TierWorking, 0.6, map[string]string{"kind": "clarification"})
}

func (p *Pipeline) saveMemory(ctx context.Context, run *Run, content, tier string, importance float64, tags map[string]string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	record := NewMemoryRecord(content, tier, run.SessionID, importance, tags)
	if p.embedder != nil {
		if embedding, err := p.embedder.Embed(ctx, content); err == nil {
			record.Embedding = NewVector(embedding)
		}
	}

	if _, err := p.store.SaveMemory(ctx, record); err != nil {
		return fmt.Errorf("persist %s memory: %w", tier, err)
	}

	capitan.Emit(ctx, MemoryStored,
		FieldTraceID.Field(run.TraceID),
		FieldContentHash.Field(record.ContentHash),
		FieldTier.Field(tier),
	)
	return nil
}

// fail marks the run errored and pushes the terminal error frame. Errored
// runs are not persisted.
func (p *Pipeline) fail(ctx context.Context, run *Run, emit Emitter, err error) (*Run, error) {
	run.setStatus(StatusErrored)

	capitan.Error(ctx, RunFailed,
		FieldTraceID.Field(run.TraceID),
		FieldStepCount.Field(run.StepCount()),
		FieldError.Field(err),
	)

	_ = emit.Error(ErrorEvent{Type: "error", Message: upstreamMessage(err)})
	return run, err
}

// cancel abandons a run after client disconnect: no terminal event, no
// persistence, partial state discarded.
func (p *Pipeline) cancel(ctx context.Context, run *Run) (*Run, error) {
	run.setStatus(StatusErrored)

	capitan.Emit(ctx, RunCanceled,
		FieldTraceID.Field(run.TraceID),
		FieldStepCount.Field(run.StepCount()),
	)

	if err := ctx.Err(); err != nil {
		return run, err
	}
	return run, errStreamClosed
}

// upstreamMessage surfaces the upstream error verbatim when one is in the
// chain, so rate-limit and quota failures stay distinguishable through the
// pipz wrapping.
func upstreamMessage(err error) string {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Error()
	}
	return err.Error()
}

// estimateTokens approximates token count when the provider reports none.
func estimateTokens(text string) int {
	return len(text) / 4
}

// snippet bounds a detail string for event payloads.
func snippet(text string, max int) string {
	return truncateMarked(text, max)
}

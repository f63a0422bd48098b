package ruminate

import "github.com/zoobzio/capitan"

// Signal definitions for pipeline events.
// Signals follow the pattern: ruminate.<entity>.<event>.
var (
	// Run lifecycle signals.
	RunStarted = capitan.NewSignal(
		"ruminate.run.started",
		"Pipeline run initiated for a query",
	)
	RunCompleted = capitan.NewSignal(
		"ruminate.run.completed",
		"Pipeline run reached a terminal decision",
	)
	RunFailed = capitan.NewSignal(
		"ruminate.run.failed",
		"Pipeline run aborted with an error",
	)
	RunCanceled = capitan.NewSignal(
		"ruminate.run.canceled",
		"Pipeline run abandoned after client disconnect",
	)

	// Stage execution signals.
	StageStarted = capitan.NewSignal(
		"ruminate.stage.started",
		"Reasoning stage began execution",
	)
	StageCompleted = capitan.NewSignal(
		"ruminate.stage.completed",
		"Reasoning stage finished successfully",
	)
	StageFailed = capitan.NewSignal(
		"ruminate.stage.failed",
		"Reasoning stage encountered an upstream error",
	)

	// Retrieval signals.
	ContextRetrieved = capitan.NewSignal(
		"ruminate.context.retrieved",
		"Memory context recalled before the first stage",
	)
	EvidenceGathered = capitan.NewSignal(
		"ruminate.evidence.gathered",
		"Documentation evidence fetched for the run",
	)

	// Decision signals.
	GateDecided = capitan.NewSignal(
		"ruminate.gate.decided",
		"Decision gate chose between answer and clarification",
	)

	// Persistence signals.
	ChainPersisted = capitan.NewSignal(
		"ruminate.chain.persisted",
		"Terminal run written to the memory store",
	)
	MemoryStored = capitan.NewSignal(
		"ruminate.memory.stored",
		"Text artifact written to the memory store",
	)
)

// Field keys for event data.
var (
	// Run metadata.
	FieldTraceID    = capitan.NewStringKey("trace_id")
	FieldSessionID  = capitan.NewStringKey("session_id")
	FieldQuerySize  = capitan.NewIntKey("query_size") // character count
	FieldBudget     = capitan.NewIntKey("budget")
	FieldTokensUsed = capitan.NewIntKey("tokens_used")
	FieldStepCount  = capitan.NewIntKey("step_count")

	// Stage metadata.
	FieldStage       = capitan.NewStringKey("stage")
	FieldAgent       = capitan.NewStringKey("agent")
	FieldPosition    = capitan.NewIntKey("position")
	FieldStageBudget = capitan.NewIntKey("stage_budget")
	FieldOutputSize  = capitan.NewIntKey("output_size") // character count
	FieldTemperature = capitan.NewFloat32Key("temperature")

	// Metrics.
	FieldConfidence = capitan.NewFloat32Key("confidence")
	FieldCoherence  = capitan.NewFloat32Key("coherence")
	FieldDensity    = capitan.NewFloat32Key("information_density")
	FieldEntropy    = capitan.NewFloat32Key("semantic_entropy")
	FieldProvenance = capitan.NewFloat32Key("provenance_coverage")

	// Retrieval metadata.
	FieldMemoryCount   = capitan.NewIntKey("memory_count")
	FieldEvidenceCount = capitan.NewIntKey("evidence_count")

	// Decision metadata.
	FieldDecision      = capitan.NewStringKey("decision")
	FieldQuestionCount = capitan.NewIntKey("question_count")

	// Persistence metadata.
	FieldContentHash = capitan.NewStringKey("content_hash")
	FieldTier        = capitan.NewStringKey("tier")

	// Timing.
	FieldStageDuration = capitan.NewDurationKey("stage_duration")

	// Error information.
	FieldError = capitan.NewErrorKey("error")
)

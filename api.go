// Package ruminate orchestrates an LLM reasoning pipeline: a fixed ordered
// sequence of cognitive stages executed against a token budget, streamed to
// the caller as server-sent events, and gated by aggregate confidence.
//
// # Core Flow
//
// A [Request] drives one [Run]. The [Pipeline] retrieves prior context from
// the [Store], gathers [Evidence] from an [EvidenceSource], splits the
// token budget across the canonical stages with [Allocate], then executes
// each stage strictly sequentially: one completion call per stage via the
// [Provider], scored by the [Scorer], appended to the run as an immutable
// [ReasoningStep], and surfaced through the [Emitter] as a
// step_start/step_complete event pair.
//
// After the verification stage the [Gate] compares aggregate confidence
// against its threshold. At or above, the synthesis stage produces the
// final answer; below, the gate generates one or two clarifying questions
// and the run terminates early, skipping synthesis entirely.
//
// # Stages
//
// The canonical order is fixed at compile time:
//
//	decompose → retrieve → hypothesize → gather → integrate → critique → verify → synthesize
//
// # Serving
//
// [Server] exposes POST /v1/reason, which streams the event protocol
// ([PlanEvent], [StepEvent], [FinalEvent], [ErrorEvent]) over SSE, and
// GET /healthz for readiness. Client disconnects cancel the in-flight run;
// canceled runs are discarded without persistence.
//
// # Persistence
//
// Terminal runs persist through the [Store]: one reasoning chain per run
// plus deduplicated memory records (content-hash keyed) that feed future
// context retrieval. [SoyStore] implements the store over Postgres;
// optional [Embedder] support adds pgvector semantic recall.
//
// # Observability
//
// The package emits capitan signals throughout execution (RunStarted,
// StageCompleted, GateDecided, ChainPersisted, ...). Service binaries
// bridge them to their logger of choice; the library never logs directly.
package ruminate

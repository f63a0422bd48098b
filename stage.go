package ruminate

import "github.com/zoobzio/zyn"

// StageID identifies one cognitive stage in the canonical reasoning sequence.
type StageID string

// Canonical stage identifiers, in execution order.
const (
	StageDecompose   StageID = "decompose"
	StageRetrieve    StageID = "retrieve"
	StageHypothesize StageID = "hypothesize"
	StageGather      StageID = "gather"
	StageIntegrate   StageID = "integrate"
	StageCritique    StageID = "critique"
	StageVerify      StageID = "verify"
	StageSynthesize  StageID = "synthesize"
)

// Stage describes one step of the fixed reasoning sequence: its identity,
// the agent label surfaced in progress events, its share of the run budget,
// the LLM temperature for its completion call, and the system prompt that
// frames its cognitive role.
type Stage struct {
	ID          StageID
	Agent       string
	Weight      float64
	Temperature float32
	Role        string
	Detail      string
}

// stages is the canonical execution order. The list is fixed at compile
// time; no stage is skipped or reordered. Verification precedes synthesis
// so the decision gate can skip the synthesis call on a clarify outcome.
// Weights sum to 1.0.
var stages = []Stage{
	{
		ID:          StageDecompose,
		Agent:       "Decomposer",
		Weight:      0.10,
		Temperature: zyn.DefaultTemperatureDeterministic,
		Role:        "You are a decomposition specialist. Break the query into its constituent sub-problems, naming each one and the order in which they should be resolved. Do not attempt to answer them.",
		Detail:      "Breaking the query into sub-problems",
	},
	{
		ID:          StageRetrieve,
		Agent:       "Archivist",
		Weight:      0.10,
		Temperature: zyn.DefaultTemperatureDeterministic,
		Role:        "You are a retrieval synthesist. Given the query and the retrieved context, summarize what is already known that bears on the sub-problems, citing each source you draw on in [brackets].",
		Detail:      "Synthesizing retrieved context",
	},
	{
		ID:          StageHypothesize,
		Agent:       "Theorist",
		Weight:      0.15,
		Temperature: zyn.DefaultTemperatureCreative,
		Role:        "You are a hypothesis generator. Propose candidate answers or explanations for each sub-problem, stating the assumptions each one rests on.",
		Detail:      "Generating candidate hypotheses",
	},
	{
		ID:          StageGather,
		Agent:       "Investigator",
		Weight:      0.15,
		Temperature: zyn.DefaultTemperatureDeterministic,
		Role:        "You are an evidence collector. For each hypothesis, identify the supporting and contradicting evidence available in the context, citing sources in [brackets]. Flag hypotheses with no evidential support.",
		Detail:      "Collecting supporting evidence",
	},
	{
		ID:          StageIntegrate,
		Agent:       "Integrator",
		Weight:      0.15,
		Temperature: zyn.DefaultTemperatureDeterministic,
		Role:        "You are a multi-source integrator. Reconcile the hypotheses against the evidence, resolving contradictions and merging compatible lines of reasoning into a coherent account.",
		Detail:      "Integrating evidence and hypotheses",
	},
	{
		ID:          StageCritique,
		Agent:       "Critic",
		Weight:      0.10,
		Temperature: zyn.DefaultTemperatureDeterministic,
		Role:        "You are a critical reviewer. Attack the integrated account: identify gaps, unsupported leaps, and alternative readings the reasoning so far has missed.",
		Detail:      "Critiquing the integrated account",
	},
	{
		ID:          StageVerify,
		Agent:       "Verifier",
		Weight:      0.10,
		Temperature: zyn.DefaultTemperatureDeterministic,
		Role:        "You are a calibrated verifier. Assess which conclusions survive the critique, stating for each how well-supported it is and what remains uncertain.",
		Detail:      "Verifying surviving conclusions",
	},
	{
		ID:          StageSynthesize,
		Agent:       "Synthesizer",
		Weight:      0.15,
		Temperature: zyn.DefaultTemperatureCreative,
		Role:        "You are an answer synthesist. Compose the final answer to the original query from the verified conclusions, citing sources in [brackets] where the reasoning relied on them.",
		Detail:      "Composing the final answer",
	},
}

// Stages returns a copy of the canonical stage list in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

// StageCount is the number of stages in the canonical sequence.
func StageCount() int {
	return len(stages)
}

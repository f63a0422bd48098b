package ruminate

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoobzio/zyn"
)

// DefaultThreshold is the aggregate confidence at or above which the gate
// emits an answer. The comparison is inclusive.
const DefaultThreshold = 0.75

// Outcome is the gate's decision, with clarifying questions on Clarify.
type Outcome struct {
	Decision  Decision
	Questions []string
}

// Gate is the pipeline's single branch point. It compares aggregate
// confidence against a fixed threshold: at or above, the run proceeds to
// synthesis; below, the gate generates one or two clarifying questions with
// a single additional completion call and the run terminates early, never
// reaching the synthesis stage.
type Gate struct {
	provider    Provider
	threshold   float64
	temperature float32
}

// NewGate creates a gate with the default threshold.
func NewGate(provider Provider) *Gate {
	return &Gate{
		provider:    provider,
		threshold:   DefaultThreshold,
		temperature: zyn.DefaultTemperatureCreative,
	}
}

// WithThreshold overrides the confidence threshold.
func (g *Gate) WithThreshold(t float64) *Gate {
	g.threshold = t
	return g
}

// Decide evaluates the verification aggregate. The clarify path makes one
// completion call seeded with the uncertainty breakdown; its failure is the
// caller's to surface, since a run without questions has no terminal
// output.
func (g *Gate) Decide(ctx context.Context, run *Run, v VerificationResult) (Outcome, error) {
	if v.Confidence >= g.threshold {
		return Outcome{Decision: DecisionAnswer}, nil
	}

	questions, err := g.clarify(ctx, run, v)
	if err != nil {
		return Outcome{}, fmt.Errorf("clarifying question generation failed: %w", err)
	}

	return Outcome{Decision: DecisionClarify, Questions: questions}, nil
}

// clarify asks the provider for clarifying questions via a zyn Transform
// synapse seeded with the uncertainty breakdown.
func (g *Gate) clarify(ctx context.Context, run *Run, v VerificationResult) ([]string, error) {
	synapse, err := zyn.Transform(
		"Generate at most two clarifying questions that would resolve the uncertainty in this reasoning run",
		g.provider,
	)
	if err != nil {
		return nil, fmt.Errorf("create transform synapse: %w", err)
	}

	breakdown := fmt.Sprintf(
		"Query: %s\nConfidence: %.2f (threshold %.2f)\nProvenance coverage: %.2f\nSemantic entropy: %.2f\nCoherence: %.2f",
		run.Query, v.Confidence, g.threshold, v.Provenance, v.Entropy, v.Coherence,
	)

	var uncertain strings.Builder
	for _, step := range run.Steps() {
		if step.Confidence < g.threshold {
			fmt.Fprintf(&uncertain, "[%s] confidence %.2f\n", step.Stage, step.Confidence)
		}
	}

	output, err := synapse.FireWithInput(ctx, zyn.NewSession(), zyn.TransformInput{
		Text:        breakdown,
		Context:     uncertain.String(),
		Style:       "One question per line. Ask only what is needed to answer the query confidently.",
		Temperature: g.temperature,
	})
	if err != nil {
		return nil, err
	}

	return parseQuestions(output), nil
}

// parseQuestions splits transform output into at most two questions,
// stripping list markers. The gate always returns at least one question.
func parseQuestions(output string) []string {
	questions := make([]string, 0, 2)
	for _, line := range strings.Split(output, "\n") {
		q := strings.TrimSpace(line)
		q = strings.TrimLeft(q, "-*0123456789.) ")
		if q == "" {
			continue
		}
		questions = append(questions, q)
		if len(questions) == 2 {
			break
		}
	}

	if len(questions) == 0 {
		questions = append(questions, "Could you restate what you are trying to achieve, with any constraints that matter?")
	}
	return questions
}

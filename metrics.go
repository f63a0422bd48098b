package ruminate

import (
	"regexp"
	"strings"
)

// Scorer computes per-step quality metrics. It is a strategy seam: the
// default heuristic can be replaced by an embedding-based or human-labeled
// scorer without touching the pipeline, provided every score stays in
// [0,1].
type Scorer interface {
	// Confidence scores a step's output given its 1-based position in a
	// sequence of total stages.
	Confidence(position, total int, output string) float64

	// Coherence scores the structural quality of a step's output.
	Coherence(output string) float64

	// Density scores the ratio of distinct tokens to total tokens.
	Density(output string) float64
}

// HeuristicScorer is the default Scorer. Its formulas are explicit
// heuristics, not calibrated estimators: confidence grows monotonically
// with stage position plus a bounded length bonus, coherence is a bounded
// function of sentence count, and density is distinct over total tokens.
type HeuristicScorer struct{}

// Confidence returns a base score plus a monotone position term and a
// bounded output-length bonus, capped at 1. Later stages are treated as
// inherently more settled than earlier exploratory ones.
func (HeuristicScorer) Confidence(position, total int, output string) float64 {
	if total <= 0 || position <= 0 {
		return 0
	}

	score := 0.45 + 0.35*float64(position)/float64(total)

	lengthBonus := float64(len(output)) / 4000.0
	if lengthBonus > 1 {
		lengthBonus = 1
	}
	score += 0.15 * lengthBonus

	return clamp01(score)
}

// Coherence returns a bounded function of sentence count: more structured
// output scores higher, capped at 1.
func (HeuristicScorer) Coherence(output string) float64 {
	n := 0
	for _, r := range output {
		switch r {
		case '.', '!', '?':
			n++
		}
	}
	if n == 0 {
		return 0.2
	}
	return clamp01(0.3 + 0.07*float64(n))
}

// Density returns the ratio of distinct tokens to total tokens.
func (HeuristicScorer) Density(output string) float64 {
	tokens := tokenize(output)
	if len(tokens) == 0 {
		return 0
	}

	distinct := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		distinct[t] = struct{}{}
	}
	return float64(len(distinct)) / float64(len(tokens))
}

var _ Scorer = HeuristicScorer{}

// AggregateConfidence is the mean of per-step confidences scaled by a
// small bonus factor and clamped to 1. Returns 0 for an empty run.
func AggregateConfidence(steps []ReasoningStep) float64 {
	if len(steps) == 0 {
		return 0
	}

	sum := 0.0
	for _, s := range steps {
		sum += s.Confidence
	}
	return clamp01(sum / float64(len(steps)) * 1.05)
}

// MeanCoherence is the mean of per-step coherence scores.
func MeanCoherence(steps []ReasoningStep) float64 {
	if len(steps) == 0 {
		return 0
	}

	sum := 0.0
	for _, s := range steps {
		sum += s.Coherence
	}
	return clamp01(sum / float64(len(steps)))
}

// ProvenanceCoverage is the fraction of available sources actually cited
// by at least one step, by citation match or substring containment in the
// step output. Coverage is 0 when no sources were available, which is how
// a run degraded by an unavailable corpus shows up.
func ProvenanceCoverage(steps []ReasoningStep, available []string) float64 {
	if len(available) == 0 {
		return 0
	}

	cited := 0
	for _, source := range available {
		if sourceCited(steps, source) {
			cited++
		}
	}
	return float64(cited) / float64(len(available))
}

func sourceCited(steps []ReasoningStep, source string) bool {
	for _, step := range steps {
		for _, c := range step.Citations {
			if strings.EqualFold(c, source) {
				return true
			}
		}
		if strings.Contains(step.Output, source) {
			return true
		}
	}
	return false
}

// SemanticEntropy measures topic drift between consecutive step outputs as
// 1 minus the mean pairwise lexical overlap |A∩B| / max(|A|,|B|) over
// token sets. 0 means identical, 1 maximally dissimilar. Returns 0 when
// fewer than two steps exist. This is a cheap lexical proxy, not true
// semantic similarity; an embedding-based substitute only needs to keep
// the same output range.
func SemanticEntropy(steps []ReasoningStep) float64 {
	if len(steps) < 2 {
		return 0
	}

	sum := 0.0
	for i := 0; i < len(steps)-1; i++ {
		a := tokenSet(steps[i].Output)
		b := tokenSet(steps[i+1].Output)
		sum += overlap(a, b)
	}
	mean := sum / float64(len(steps)-1)
	return clamp01(1 - mean)
}

// Verify computes the run's terminal aggregate over its completed steps
// and the sources made available to it.
func Verify(steps []ReasoningStep, available []string) VerificationResult {
	return VerificationResult{
		Confidence: AggregateConfidence(steps),
		Provenance: ProvenanceCoverage(steps, available),
		Entropy:    SemanticEntropy(steps),
		Coherence:  MeanCoherence(steps),
	}
}

// citationPattern matches bracketed citation markers like [guide.md].
var citationPattern = regexp.MustCompile(`\[([^\[\]\n]{1,80})\]`)

// ExtractCitations returns the deduplicated citation strings found in a
// step output.
func ExtractCitations(output string) []string {
	matches := citationPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}

	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		c := strings.TrimSpace(m[1])
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// tokenize lowercases and splits text into word tokens, stripping
// surrounding punctuation.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Trim(f, ".,;:!?\"'()[]{}")
		if w == "" {
			continue
		}
		out = append(out, w)
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	tokens := tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// overlap is |A∩B| / max(|A|,|B|), 1.0 when both sets are empty.
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}

	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}

	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(larger)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

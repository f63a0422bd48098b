package ruminate

import (
	"strings"
	"unicode/utf8"
)

// DefaultContextWindow is the maximum number of characters of prior step
// output included in a stage prompt. Without a bound each later stage's
// prompt would grow with the sum of all earlier outputs.
const DefaultContextWindow = 4000

// PromptBuilder produces the (system, user) prompt pair for a stage. The
// system prompt is the stage's fixed role template. The user prompt
// concatenates the original query, the retrieved context, and a bounded
// window of prior step outputs.
type PromptBuilder struct {
	window int
}

// NewPromptBuilder creates a builder with the default context window.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{window: DefaultContextWindow}
}

// WithWindow sets the character budget for prior step outputs.
func (b *PromptBuilder) WithWindow(chars int) *PromptBuilder {
	if chars > 0 {
		b.window = chars
	}
	return b
}

// Build returns the (system, user) prompt pair for one stage.
//
// Prior outputs are consumed newest-first against the window budget, so
// older steps are elided first, then rendered oldest-first so the prompt
// reads chronologically. An elided or truncated section is marked.
func (b *PromptBuilder) Build(stage Stage, query, retrieved string, steps []ReasoningStep) (string, string) {
	var user strings.Builder
	user.WriteString("Query: ")
	user.WriteString(query)

	if retrieved != "" {
		user.WriteString("\n\nRetrieved context:\n")
		user.WriteString(retrieved)
	}

	if prior := b.renderSteps(steps); prior != "" {
		user.WriteString("\n\nPrior reasoning:\n")
		user.WriteString(prior)
	}

	return stage.Role, user.String()
}

// renderSteps renders prior step outputs within the window budget.
func (b *PromptBuilder) renderSteps(steps []ReasoningStep) string {
	if len(steps) == 0 {
		return ""
	}

	remaining := b.window
	sections := make([]string, 0, len(steps))
	elided := false

	for i := len(steps) - 1; i >= 0; i-- {
		if remaining <= 0 {
			elided = true
			break
		}

		step := steps[i]
		header := "[" + string(step.Stage) + "] "
		output := step.Output
		budget := remaining - len(header)
		if budget <= 0 {
			elided = true
			break
		}
		if len(output) > budget {
			output = truncateMarked(output, budget)
		}

		section := header + output
		sections = append(sections, section)
		remaining -= len(section)
	}

	// Reverse into chronological order.
	for i, j := 0, len(sections)-1; i < j; i, j = i+1, j-1 {
		sections[i], sections[j] = sections[j], sections[i]
	}

	rendered := strings.Join(sections, "\n\n")
	if elided {
		rendered = "[earlier steps elided]\n\n" + rendered
	}
	return rendered
}

// truncateMarked cuts text at a byte budget, backing off to a rune
// boundary so the cut never emits invalid UTF-8, and appends a marker.
func truncateMarked(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

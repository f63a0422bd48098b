package ruminate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Evidence is one (source, excerpt, relevance) triple retrieved from
// documentation or memory and made available to stage prompt construction.
// Relevance is in [0,1]; Source is a non-empty provenance identifier.
type Evidence struct {
	Source    string  `json:"source"`
	Excerpt   string  `json:"excerpt"`
	Relevance float64 `json:"relevance"`
}

// EvidenceSource returns ranked evidence for a set of keywords. The
// pipeline never touches file paths or corpus formats directly; it depends
// only on this interface.
type EvidenceSource interface {
	Search(ctx context.Context, keywords []string, limit int) ([]Evidence, error)
}

// ErrDocsUnavailable indicates the documentation corpus could not be read.
// The pipeline recovers locally: the run proceeds with an empty evidence
// set and lower provenance coverage.
var ErrDocsUnavailable = errors.New("documentation corpus unavailable")

// stopwords excluded from keyword extraction.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "can": {}, "do": {}, "does": {}, "for": {}, "from": {},
	"how": {}, "i": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {},
	"will": {}, "with": {}, "you": {},
}

// Keywords extracts deduplicated, lowercased search terms from a query,
// dropping stopwords and single-character fragments.
func Keywords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))

	for _, f := range fields {
		w := strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(w) < 2 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// DirSource is an EvidenceSource over a directory of plain-text
// documentation files (.md and .txt). Files are scored by keyword
// frequency, normalized so relevance stays in [0,1].
type DirSource struct {
	dir        string
	maxExcerpt int
}

// NewDirSource creates a documentation source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{
		dir:        dir,
		maxExcerpt: 600,
	}
}

// WithMaxExcerpt bounds the excerpt length returned per document.
func (s *DirSource) WithMaxExcerpt(n int) *DirSource {
	s.maxExcerpt = n
	return s
}

// Search scores every readable document against the keywords and returns
// the top matches ranked by relevance. An unreadable corpus root yields
// ErrDocsUnavailable; individual unreadable files are skipped.
func (s *DirSource) Search(ctx context.Context, keywords []string, limit int) ([]Evidence, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ErrDocsUnavailable
	}

	var results []Evidence
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".md" && ext != ".txt" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}

		text := string(data)
		score := scoreDocument(text, keywords)
		if score == 0 {
			continue
		}

		results = append(results, Evidence{
			Source:    entry.Name(),
			Excerpt:   excerptAround(text, keywords, s.maxExcerpt),
			Relevance: score,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scoreDocument returns the fraction of keywords present in the document,
// weighted by repeat occurrences with diminishing returns.
func scoreDocument(text string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	lower := strings.ToLower(text)
	score := 0.0
	for _, kw := range keywords {
		n := strings.Count(lower, kw)
		if n == 0 {
			continue
		}
		// First hit counts fully, repeats add up to one more point.
		bonus := float64(n-1) / float64(n)
		score += 1 + bonus
	}

	normalized := score / float64(2*len(keywords))
	if normalized > 1 {
		normalized = 1
	}
	return normalized
}

// excerptAround returns a window of the document centered on the first
// keyword hit, bounded to max characters.
func excerptAround(text string, keywords []string, max int) string {
	if len(text) <= max {
		return text
	}

	lower := strings.ToLower(text)
	at := -1
	for _, kw := range keywords {
		if i := strings.Index(lower, kw); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	if at < 0 {
		at = 0
	}

	start := at - max/4
	if start < 0 {
		start = 0
	}
	end := start + max
	if end > len(text) {
		end = len(text)
		start = end - max
	}
	return text[start:end]
}

var _ EvidenceSource = (*DirSource)(nil)

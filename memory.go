package ruminate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Memory tier labels. Queries land in the episodic tier, answers in the
// semantic tier, and open clarification threads in the working tier.
const (
	TierWorking  = "working"
	TierEpisodic = "episodic"
	TierSemantic = "semantic"
)

// MemoryRecord is one durable text artifact, deduplicated by content hash
// and queryable for future context retrieval.
type MemoryRecord struct {
	ID          string            `db:"id" type:"uuid" constraints:"primarykey" default:"gen_random_uuid()"`
	Content     string            `db:"content" type:"text" constraints:"notnull"`
	ContentHash string            `db:"content_hash" type:"text" constraints:"notnull,unique"`
	Tier        string            `db:"tier" type:"text" constraints:"notnull"`
	Importance  float64           `db:"importance" type:"float8" constraints:"notnull"`
	Tags        map[string]string `db:"tags" type:"jsonb" default:"'{}'"`
	SessionID   string            `db:"session_id" type:"text" constraints:"notnull"`
	Embedding   Vector            `db:"embedding" type:"vector(1536)"`
	CreatedAt   time.Time         `db:"created_at" type:"timestamp" constraints:"notnull"`
}

// ChainRecord is the durable copy of one completed run: query, outcome,
// ordered steps, and the confidence/provenance/entropy triple.
type ChainRecord struct {
	ID         string    `db:"id" type:"uuid" constraints:"primarykey" default:"gen_random_uuid()"`
	TraceID    string    `db:"trace_id" type:"text" constraints:"notnull,unique"`
	SessionID  string    `db:"session_id" type:"text" constraints:"notnull"`
	UserID     string    `db:"user_id" type:"text"`
	Query      string    `db:"query" type:"text" constraints:"notnull"`
	Answer     string    `db:"answer" type:"text"`
	Decision   string    `db:"decision" type:"text" constraints:"notnull"`
	Steps      string    `db:"steps" type:"jsonb" constraints:"notnull"`
	Confidence float64   `db:"confidence" type:"float8" constraints:"notnull"`
	Provenance float64   `db:"provenance" type:"float8" constraints:"notnull"`
	Entropy    float64   `db:"entropy" type:"float8" constraints:"notnull"`
	TokensUsed int       `db:"tokens_used" type:"integer" constraints:"notnull"`
	CreatedAt  time.Time `db:"created_at" type:"timestamp" constraints:"notnull"`
}

// Store is the durable memory store: append-only records keyed by content
// hash, queryable by recency/importance and, when embeddings are present,
// by vector similarity. Appends from concurrent runs are independent rows;
// no locking is required beyond what the store provides.
type Store interface {
	// SaveChain persists a completed run's reasoning chain.
	SaveChain(ctx context.Context, chain *ChainRecord) (*ChainRecord, error)

	// SaveMemory persists a text artifact, returning the existing record
	// when one with the same content hash is already stored.
	SaveMemory(ctx context.Context, record *MemoryRecord) (*MemoryRecord, error)

	// RecallBySession loads the most recent memories for a session,
	// highest importance first among equals.
	RecallBySession(ctx context.Context, sessionID string, limit int) ([]MemoryRecord, error)

	// SearchMemories finds memories nearest to the query embedding.
	SearchMemories(ctx context.Context, embedding Vector, limit int) ([]MemoryRecord, error)

	// Ping reports store readiness.
	Ping(ctx context.Context) error
}

// ContentHash returns the hex SHA-256 of content. It is pure and
// deterministic, so storing the same content twice dedupes to one row.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NewChainRecord builds the durable copy of a terminal run. Steps are
// serialized in execution order.
func NewChainRecord(run *Run) (*ChainRecord, error) {
	steps, err := json.Marshal(run.Steps())
	if err != nil {
		return nil, fmt.Errorf("serialize steps: %w", err)
	}

	return &ChainRecord{
		TraceID:    run.TraceID,
		SessionID:  run.SessionID,
		UserID:     run.UserID,
		Query:      run.Query,
		Answer:     run.Answer,
		Decision:   string(run.Decision),
		Steps:      string(steps),
		Confidence: run.Verification.Confidence,
		Provenance: run.Verification.Provenance,
		Entropy:    run.Verification.Entropy,
		TokensUsed: run.TokensUsed,
		CreatedAt:  time.Now(),
	}, nil
}

// NewMemoryRecord builds a memory row for a text artifact, hashing the
// content for idempotent storage.
func NewMemoryRecord(content, tier, sessionID string, importance float64, tags map[string]string) *MemoryRecord {
	if tags == nil {
		tags = make(map[string]string)
	}
	return &MemoryRecord{
		Content:     content,
		ContentHash: ContentHash(content),
		Tier:        tier,
		Importance:  importance,
		Tags:        tags,
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
	}
}

// MemoryEvidence converts recalled memories into evidence triples so they
// participate in prompt construction and provenance coverage alongside
// documentation hits.
func MemoryEvidence(records []MemoryRecord) []Evidence {
	out := make([]Evidence, 0, len(records))
	for _, r := range records {
		source := "memory:" + shortHash(r.ContentHash)
		out = append(out, Evidence{
			Source:    source,
			Excerpt:   r.Content,
			Relevance: clamp01(r.Importance),
		})
	}
	return out
}

// RenderEvidenceToContext renders evidence as "source: excerpt" lines for
// LLM consumption.
func RenderEvidenceToContext(evidence []Evidence) string {
	if len(evidence) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, ev := range evidence {
		if i > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(ev.Source)
		builder.WriteString(": ")
		builder.WriteString(ev.Excerpt)
	}
	return builder.String()
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

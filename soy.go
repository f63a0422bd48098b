package ruminate

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/zoobzio/astql/postgres"
	"github.com/zoobzio/soy"
)

// SoyStore implements Store using soy-typed Postgres tables: one for
// reasoning chains, one for deduplicated memories.
type SoyStore struct {
	chains   *soy.Soy[ChainRecord]
	memories *soy.Soy[MemoryRecord]
	db       *sqlx.DB
}

// NewSoyStore creates a soy-backed Store implementation.
func NewSoyStore(db *sqlx.DB) (*SoyStore, error) {
	renderer := postgres.New()

	chains, err := soy.New[ChainRecord](db, "reasoning_chains", renderer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize reasoning_chains table: %w", err)
	}

	memories, err := soy.New[MemoryRecord](db, "memories", renderer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memories table: %w", err)
	}

	return &SoyStore{
		chains:   chains,
		memories: memories,
		db:       db,
	}, nil
}

// SaveChain persists a completed run's reasoning chain.
func (s *SoyStore) SaveChain(ctx context.Context, chain *ChainRecord) (*ChainRecord, error) {
	inserted, err := s.chains.Insert().Exec(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reasoning chain: %w", err)
	}
	return inserted, nil
}

// SaveMemory persists a memory record, deduplicating by content hash: when
// a row with the same hash exists, that row is returned unchanged.
func (s *SoyStore) SaveMemory(ctx context.Context, record *MemoryRecord) (*MemoryRecord, error) {
	existing, err := s.findMemoryByHash(ctx, record.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check memory hash: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	inserted, err := s.memories.Insert().Exec(ctx, record)
	if err != nil {
		// A concurrent writer can land the same hash between the check and
		// the insert; the unique constraint rejects ours, so resolve to the
		// winner's row.
		existing, requeryErr := s.findMemoryByHash(ctx, record.ContentHash)
		if requeryErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to insert memory: %w", err)
	}
	return inserted, nil
}

func (s *SoyStore) findMemoryByHash(ctx context.Context, hash string) (*MemoryRecord, error) {
	rows, err := s.memories.Query().
		Where("content_hash", "=", "content_hash").
		Limit(1).
		Exec(ctx, map[string]any{"content_hash": hash})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// RecallBySession loads the most recent memories for a session, then
// orders equals by importance so the strongest context leads.
func (s *SoyStore) RecallBySession(ctx context.Context, sessionID string, limit int) ([]MemoryRecord, error) {
	rows, err := s.memories.Query().
		Where("session_id", "=", "session_id").
		OrderBy("created_at", "desc").
		Limit(limit).
		Exec(ctx, map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("failed to recall memories: %w", err)
	}

	records := make([]MemoryRecord, len(rows))
	for i, r := range rows {
		records[i] = *r
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Importance > records[j].Importance
	})
	return records, nil
}

// SearchMemories finds memories nearest to the query embedding. Records
// without embeddings are excluded.
func (s *SoyStore) SearchMemories(ctx context.Context, embedding Vector, limit int) ([]MemoryRecord, error) {
	rows, err := s.memories.Query().
		WhereNotNull("embedding").
		OrderByExpr("embedding", "<->", "query_embedding", "asc").
		Limit(limit).
		Exec(ctx, map[string]any{"query_embedding": embedding})
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}

	records := make([]MemoryRecord, len(rows))
	for i, r := range rows {
		records[i] = *r
	}
	return records, nil
}

// Ping reports database readiness.
func (s *SoyStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SoyStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SoyStore)(nil)

package memory

import (
	"context"
	"errors"
	"log/slog"

	"github.com/raildebug/raildbg/internal/storage"
)

// snippetProbeLen is how much of the snippet feeds the similarity search.
// Full snippets rarely match verbatim; the leading frames usually do.
const snippetProbeLen = 100

// DefaultLimit bounds how many similar past fixes are returned.
const DefaultLimit = 3

// Memory is the learning loop: it recalls past analyses for similar
// tracebacks and records new outcomes. All methods are safe for concurrent
// use; uniqueness of fingerprints is enforced by the store, not by locking.
type Memory struct {
	store *storage.Store
}

// New wraps a storage.Store as an analysis memory.
func New(store *storage.Store) *Memory {
	return &Memory{store: store}
}

// LookupSimilar returns past analyses relevant to the fingerprint: an exact
// hash match when one exists (a cache hit, returned alone), otherwise up to
// limit snippet-similar records ordered by recency.
func (m *Memory) LookupSimilar(ctx context.Context, hash, snippet string, limit int) ([]storage.AnalysisRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rec, err := m.store.GetAnalysis(ctx, hash)
	if err == nil {
		return []storage.AnalysisRecord{rec}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	probe := snippet
	if len(probe) > snippetProbeLen {
		probe = probe[:snippetProbeLen]
	}
	if probe == "" {
		return nil, nil
	}
	return m.store.SearchAnalysesBySnippet(ctx, probe, limit)
}

// Record upserts the analysis keyed by its fingerprint. Failures are logged
// and swallowed: the learning loop is best-effort and must never fail the
// response that produced the record.
func (m *Memory) Record(ctx context.Context, rec storage.AnalysisRecord) {
	if err := m.store.UpsertAnalysis(ctx, rec); err != nil {
		slog.Warn("memory: failed to record analysis", "hash", rec.Hash, "error", err)
	}
}

// MarkOutcome updates the success flag of a stored analysis from out-of-band
// feedback. Unlike Record, the caller is told about failures so feedback
// endpoints can report them.
func (m *Memory) MarkOutcome(ctx context.Context, hash string, success bool) error {
	return m.store.SetAnalysisOutcome(ctx, hash, success)
}

// Stats aggregates the recorded history, optionally scoped to one repo.
func (m *Memory) Stats(ctx context.Context, repoID string) (storage.MemoryStats, error) {
	return m.store.AnalysisStats(ctx, repoID)
}

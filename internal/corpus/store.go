// Package corpus holds the ingested chunks, their embeddings and the set of
// ingested paper identifiers, and the merge rules that keep them aligned.
package corpus

import (
	"context"

	"arxiv-rag/internal/models"
)

// MergeStats reports the outcome of a merge.
type MergeStats struct {
	Added int
	Total int
}

// Store is a persisted corpus. Implementations must keep chunk and vector
// rows aligned and make Merge and Reset mutually exclusive.
type Store interface {
	// Merge adds records and paper identifiers, skipping records whose content
	// hash is already stored.
	Merge(ctx context.Context, records []models.ChunkRecord, paperIDs []string) (MergeStats, error)
	// Search returns the k records most similar to query.
	Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error)
	PaperIDs(ctx context.Context) ([]string, error)
	// Exists reports whether anything has been ingested.
	Exists(ctx context.Context) (bool, error)
	// Reset deletes every persisted artifact.
	Reset(ctx context.Context) error
	Close() error
}

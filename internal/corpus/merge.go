package corpus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"arxiv-rag/internal/models"
)

// ErrSchemaMismatch is returned when stored and incoming data have different shapes.
var ErrSchemaMismatch = errors.New("schema mismatch")

// ContentHash is the dedup key of a chunk: the SHA-256 of its text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewRecord pairs a chunk with its embedding under the chunk's content hash.
func NewRecord(chunk models.Chunk, vector []float32) models.ChunkRecord {
	return models.ChunkRecord{ID: ContentHash(chunk.Text), Chunk: chunk, Vector: vector}
}

// MergeChunks appends incoming to existing and drops exact duplicate rows,
// keeping the first occurrence.
func MergeChunks(existing, incoming []models.Chunk) []models.Chunk {
	seen := make(map[models.Chunk]struct{}, len(existing)+len(incoming))
	merged := make([]models.Chunk, 0, len(existing)+len(incoming))
	for _, c := range slices.Concat(existing, incoming) {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		merged = append(merged, c)
	}
	return merged
}

// MergeEmbeddings appends incoming rows to existing and drops exact duplicate
// vectors, keeping the first occurrence. All rows must share one dimension.
//
// Deduplicating vectors independently of their chunks can leave the two
// stores misaligned; stores use MergeRecords instead.
func MergeEmbeddings(existing, incoming [][]float32) ([][]float32, error) {
	all := slices.Concat(existing, incoming)
	if err := checkDimensions(all); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(all))
	merged := make([][]float32, 0, len(all))
	for _, v := range all {
		key := vectorKey(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, v)
	}
	return merged, nil
}

// MergeIdentifierSet returns the sorted union of both identifier lists.
func MergeIdentifierSet(existing, incoming []string) []string {
	set := make(map[string]struct{}, len(existing)+len(incoming))
	for _, id := range slices.Concat(existing, incoming) {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}

	merged := make([]string, 0, len(set))
	for id := range set {
		merged = append(merged, id)
	}
	slices.Sort(merged)
	return merged
}

// MergeRecords appends incoming records to existing ones, dropping any record
// whose content hash is already present. Chunk and vector are kept or dropped
// together, so row i of the chunk table always matches row i of the matrix.
// It returns the merged records and how many incoming records were added.
func MergeRecords(existing, incoming []models.ChunkRecord) ([]models.ChunkRecord, int, error) {
	all := slices.Concat(existing, incoming)
	vectors := make([][]float32, len(all))
	for i, r := range all {
		vectors[i] = r.Vector
	}
	if err := checkDimensions(vectors); err != nil {
		return nil, 0, err
	}

	seen := make(map[string]struct{}, len(all))
	merged := make([]models.ChunkRecord, 0, len(all))
	for _, r := range all {
		if r.ID == "" {
			r.ID = ContentHash(r.Chunk.Text)
		}
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		merged = append(merged, r)
	}

	kept := len(merged) - len(existing)
	if kept < 0 {
		kept = 0
	}
	return merged, kept, nil
}

func checkDimensions(vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: row %d has dimension %d, expected %d", ErrSchemaMismatch, i, len(v), dim)
		}
	}
	return nil
}

func vectorKey(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return string(buf)
}

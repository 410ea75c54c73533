package chromemdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"arxiv-rag/internal/corpus"
	"arxiv-rag/internal/models"
)

const (
	compress = false

	metaSection  = "section"
	metaSourceID = "source_id"
	metaSeq      = "seq"
)

var errNoEmbeddingFunc = errors.New("documents must carry precomputed embeddings")

// noEmbedding keeps chromem from falling back to its default OpenAI embedder.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

// storeMeta is what chromem cannot hold itself: the vector dimension, the
// insertion counter and the ingested paper identifiers.
type storeMeta struct {
	Dim      int      `json:"dim"`
	NextSeq  int      `json:"next_seq"`
	PaperIDs []string `json:"paper_ids"`
}

// VectorDBManager is a corpus.Store backed by a chromem-go collection. In
// in-memory mode the collection is restored from, and exported to, a snapshot
// file under dbPath.
type VectorDBManager struct {
	mu            sync.Mutex
	db            *chromem.DB
	collection    *chromem.Collection
	dbPath        string
	inMemory      bool
	encryptionKey string
	filePath      string
	metaPath      string
	meta          storeMeta
}

var _ corpus.Store = (*VectorDBManager)(nil)

// NewVectorDBManager opens or creates the named collection under dbPath.
func NewVectorDBManager(dbPath, collectionName string, inMemory bool, encryptionKey string) (*VectorDBManager, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	m := &VectorDBManager{
		dbPath:        dbPath,
		inMemory:      inMemory,
		encryptionKey: encryptionKey,
		filePath:      filepath.Join(dbPath, collectionName+".chromem"),
		metaPath:      filepath.Join(dbPath, collectionName+".meta.json"),
	}

	if inMemory {
		m.db = chromem.NewDB()
		if _, err := os.Stat(m.filePath); err == nil {
			if err := m.db.ImportFromFile(m.filePath, encryptionKey, collectionName); err != nil {
				return nil, fmt.Errorf("failed to import database: %w", err)
			}
			log.Debug().Str("file", m.filePath).Msg("Imported chromem snapshot")
		}
	} else {
		db, err := chromem.NewPersistentDB(filepath.Join(dbPath, "chromem"), compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		m.db = db
	}

	if _, err := m.getOrCreateCollection(collectionName); err != nil {
		return nil, err
	}
	if err := m.loadMeta(); err != nil {
		return nil, err
	}
	return m, nil
}

// create or read collection
func (m *VectorDBManager) getOrCreateCollection(collectionName string) (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(collectionName, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	m.collection = c
	return c, nil
}

func (m *VectorDBManager) Merge(ctx context.Context, records []models.ChunkRecord, paperIDs []string) (corpus.MergeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// dedup within the batch first
	incoming, _, err := corpus.MergeRecords(nil, records)
	if err != nil {
		return corpus.MergeStats{}, err
	}
	if len(incoming) > 0 && m.meta.Dim != 0 && len(incoming[0].Vector) != m.meta.Dim {
		return corpus.MergeStats{}, fmt.Errorf("%w: incoming dimension %d, corpus dimension %d",
			corpus.ErrSchemaMismatch, len(incoming[0].Vector), m.meta.Dim)
	}

	meta := m.meta
	docs := make([]chromem.Document, 0, len(incoming))
	for _, r := range incoming {
		if _, err := m.collection.GetByID(ctx, r.ID); err == nil {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:        r.ID,
			Content:   r.Chunk.Text,
			Embedding: r.Vector,
			Metadata: map[string]string{
				metaSection:  r.Chunk.Section,
				metaSourceID: r.Chunk.SourceID,
				metaSeq:      strconv.Itoa(meta.NextSeq),
			},
		})
		meta.NextSeq++
	}

	if len(docs) > 0 {
		if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return corpus.MergeStats{}, fmt.Errorf("failed to add documents: %w", err)
		}
		meta.Dim = len(docs[0].Embedding)
	}
	meta.PaperIDs = corpus.MergeIdentifierSet(meta.PaperIDs, paperIDs)

	if err := m.saveMeta(meta); err != nil {
		return corpus.MergeStats{}, err
	}
	m.meta = meta

	if m.inMemory {
		if err := m.export(); err != nil {
			return corpus.MergeStats{}, err
		}
	}

	stats := corpus.MergeStats{Added: len(docs), Total: m.collection.Count()}
	log.Debug().Str("backend", "chromem").Int("added", stats.Added).Int("total", stats.Total).Msg("Merged corpus")
	return stats, nil
}

// Search ranks the whole collection and keeps the first k. chromem orders
// equal similarities arbitrarily, so the cut to k happens only after ties
// are broken by insertion order.
func (m *VectorDBManager) Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding must be provided")
	}

	m.mu.Lock()
	dim, collection := m.meta.Dim, m.collection
	m.mu.Unlock()

	n := collection.Count()
	if k <= 0 || n == 0 {
		return []models.SearchResult{}, nil
	}
	if dim != 0 && len(query) != dim {
		return nil, fmt.Errorf("%w: query dimension %d, corpus dimension %d", corpus.ErrSchemaMismatch, len(query), dim)
	}

	results, err := collection.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: query,
		NResults:       n,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	out := make([]models.SearchResult, len(results))
	for i, r := range results {
		seq, _ := strconv.Atoi(r.Metadata[metaSeq])
		out[i] = models.SearchResult{
			Index: seq,
			Record: models.ChunkRecord{
				ID: r.ID,
				Chunk: models.Chunk{
					Text:     r.Content,
					Section:  r.Metadata[metaSection],
					SourceID: r.Metadata[metaSourceID],
				},
				Vector: r.Embedding,
			},
			Similarity: r.Similarity,
		}
	}
	sortResults(out)
	return out[:min(k, len(out))], nil
}

// sortResults orders by descending similarity, then ascending insertion order.
func sortResults(results []models.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Index < results[j].Index
	})
}

func (m *VectorDBManager) PaperIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.meta.PaperIDs...), nil
}

func (m *VectorDBManager) Exists(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collection.Count() > 0, nil
}

// Reset drops the collection and removes the snapshot and sidecar files.
func (m *VectorDBManager) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.collection.Name
	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	for _, path := range []string{m.filePath, m.metaPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	m.meta = storeMeta{}
	_, err := m.getOrCreateCollection(name)
	return err
}

func (m *VectorDBManager) Close() error { return nil }

// export writes the collection to the snapshot file.
func (m *VectorDBManager) export() error {
	log.Debug().Str("collection", m.collection.Name).Str("file", m.filePath).Bool("compress", compress).Msg("Exporting collection")
	if err := m.db.ExportToFile(m.filePath, compress, m.encryptionKey, m.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

func (m *VectorDBManager) loadMeta() error {
	data, err := os.ReadFile(m.metaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &m.meta); err != nil {
		return fmt.Errorf("%w: %s: %v", corpus.ErrSchemaMismatch, m.metaPath, err)
	}
	return nil
}

func (m *VectorDBManager) saveMeta(meta storeMeta) error {
	return corpus.WriteAtomic(m.metaPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(meta)
	})
}

package corpus

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"arxiv-rag/internal/models"
	"arxiv-rag/internal/retriever"
)

const (
	ChunksFile     = "chunks.csv"
	EmbeddingsFile = "embeddings.bin"
	PaperIDsFile   = "arxiv_ids.txt"
	// CurrentFile names the generation directory readers should load.
	CurrentFile = "CURRENT"
	lockFile    = "corpus.lock"

	generationPrefix = "gen-"
	loadAttempts     = 3

	embeddingsMagic = "ARXE"
)

// errStaleGeneration means a writer replaced and pruned the generation while
// it was being read.
var errStaleGeneration = errors.New("corpus generation replaced during read")

var _ Store = (*FileStore)(nil)

var chunkColumns = []string{"id", "text", "section", "source_id"}

// FileStore keeps the corpus as three flat files: a chunk table, an embedding
// matrix whose rows follow the table, and a list of ingested paper
// identifiers. Every merge writes a new generation directory and then swaps
// CURRENT to point at it, so readers never see a table and a matrix from
// different merges.
type FileStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create corpus dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.root, name)
}

// generation returns the directory named by CURRENT, or "" before the first merge.
func (s *FileStore) generation() (string, error) {
	data, err := os.ReadFile(s.path(CurrentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// withGeneration runs read against the current generation directory, retrying
// when another process prunes it mid-read. read is not called before the
// first merge.
func (s *FileStore) withGeneration(read func(dir string) error) error {
	for attempt := 1; ; attempt++ {
		gen, err := s.generation()
		if err != nil || gen == "" {
			return err
		}
		err = read(s.path(gen))
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %w", errStaleGeneration, err)
			if attempt < loadAttempts {
				continue
			}
		}
		return err
	}
}

// Load reads the persisted records. A corpus that was never written loads as empty.
func (s *FileStore) Load() ([]models.ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

func (s *FileStore) load() ([]models.ChunkRecord, error) {
	var records []models.ChunkRecord
	err := s.withGeneration(func(dir string) error {
		var err error
		records, err = loadGeneration(dir)
		return err
	})
	return records, err
}

func loadGeneration(dir string) ([]models.ChunkRecord, error) {
	chunks, ids, err := readChunks(filepath.Join(dir, ChunksFile))
	if err != nil {
		return nil, err
	}
	vectors, err := readEmbeddings(filepath.Join(dir, EmbeddingsFile))
	if err != nil {
		return nil, err
	}
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("%w: %d chunks but %d embedding rows", ErrSchemaMismatch, len(chunks), len(vectors))
	}

	records := make([]models.ChunkRecord, len(chunks))
	for i := range chunks {
		records[i] = models.ChunkRecord{ID: ids[i], Chunk: chunks[i], Vector: vectors[i]}
	}
	return records, nil
}

func (s *FileStore) paperIDs() ([]string, error) {
	var ids []string
	err := s.withGeneration(func(dir string) error {
		var err error
		ids, err = readLines(filepath.Join(dir, PaperIDsFile))
		return err
	})
	return ids, err
}

func (s *FileStore) Merge(ctx context.Context, records []models.ChunkRecord, paperIDs []string) (MergeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireLock(ctx, s.path(lockFile))
	if err != nil {
		return MergeStats{}, err
	}
	defer lock.release()

	existing, err := s.load()
	if err != nil {
		return MergeStats{}, err
	}
	merged, added, err := MergeRecords(existing, records)
	if err != nil {
		return MergeStats{}, err
	}

	storedIDs, err := s.paperIDs()
	if err != nil {
		return MergeStats{}, err
	}
	allIDs := MergeIdentifierSet(storedIDs, paperIDs)

	prev, err := s.generation()
	if err != nil {
		return MergeStats{}, err
	}
	next := nextGeneration(prev)
	if err := s.writeGeneration(next, merged, allIDs); err != nil {
		os.RemoveAll(s.path(next))
		return MergeStats{}, err
	}
	if err := WriteAtomic(s.path(CurrentFile), func(w io.Writer) error {
		_, err := io.WriteString(w, next+"\n")
		return err
	}); err != nil {
		os.RemoveAll(s.path(next))
		return MergeStats{}, err
	}
	// the previous generation stays for readers that resolved it just before the swap
	s.prune(next, prev)

	log.Debug().Str("backend", "file").Str("generation", next).Int("added", added).Int("total", len(merged)).Msg("Merged corpus")
	return MergeStats{Added: added, Total: len(merged)}, nil
}

func (s *FileStore) writeGeneration(gen string, records []models.ChunkRecord, paperIDs []string) error {
	dir := s.path(gen)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := writeChunks(filepath.Join(dir, ChunksFile), records); err != nil {
		return err
	}
	if err := writeEmbeddings(filepath.Join(dir, EmbeddingsFile), records); err != nil {
		return err
	}
	return writeLines(filepath.Join(dir, PaperIDsFile), paperIDs)
}

func nextGeneration(prev string) string {
	n, _ := strconv.Atoi(strings.TrimPrefix(prev, generationPrefix))
	return fmt.Sprintf("%s%06d", generationPrefix, n+1)
}

// prune removes generation directories other than keep.
func (s *FileStore) prune(keep ...string) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), generationPrefix) || slices.Contains(keep, e.Name()) {
			continue
		}
		if err := os.RemoveAll(s.path(e.Name())); err != nil {
			log.Warn().Err(err).Str("generation", e.Name()).Msg("Error pruning corpus generation")
		}
	}
}

func (s *FileStore) Search(_ context.Context, query []float32, k int) ([]models.SearchResult, error) {
	records, err := s.Load()
	if err != nil {
		return nil, err
	}
	if len(records) > 0 && len(records[0].Vector) != len(query) {
		return nil, fmt.Errorf("%w: query dimension %d, corpus dimension %d", ErrSchemaMismatch, len(query), len(records[0].Vector))
	}

	matrix := make([][]float32, len(records))
	for i, r := range records {
		matrix[i] = r.Vector
	}

	ranked := retriever.Rank(query, matrix)
	if k < len(ranked) {
		ranked = ranked[:max(k, 0)]
	}
	results := make([]models.SearchResult, len(ranked))
	for i, m := range ranked {
		results[i] = models.SearchResult{Index: m.Index, Record: records[m.Index], Similarity: m.Similarity}
	}
	return results, nil
}

func (s *FileStore) PaperIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paperIDs()
}

// Exists reports whether a merge has been committed.
func (s *FileStore) Exists(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gen, err := s.generation()
	return gen != "", err
}

// Reset deletes every generation and the CURRENT pointer.
func (s *FileStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireLock(ctx, s.path(lockFile))
	if err != nil {
		return err
	}
	defer lock.release()

	// readers see an empty corpus from here on
	if err := os.Remove(s.path(CurrentFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.Name() == lockFile {
			continue
		}
		if err := os.RemoveAll(s.path(e.Name())); err != nil {
			log.Error().Err(err).Str("file", e.Name()).Msg("Error deleting corpus file")
			return err
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// WriteAtomic writes through a temp file in the same directory and renames it
// into place.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readChunks(path string) ([]models.Chunk, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !slices.Equal(header, chunkColumns) {
		return nil, nil, fmt.Errorf("%w: %s has columns %v, expected %v", ErrSchemaMismatch, path, header, chunkColumns)
	}

	var chunks []models.Chunk
	var ids []string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		if len(row) != len(chunkColumns) {
			return nil, nil, fmt.Errorf("%w: %s row has %d fields", ErrSchemaMismatch, path, len(row))
		}
		chunk := models.Chunk{Text: row[1], Section: row[2], SourceID: row[3]}
		id := row[0]
		if id == "" {
			id = ContentHash(chunk.Text)
		}
		chunks = append(chunks, chunk)
		ids = append(ids, id)
	}
	return chunks, ids, nil
}

func writeChunks(path string, records []models.ChunkRecord) error {
	return WriteAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(chunkColumns); err != nil {
			return err
		}
		for _, r := range records {
			if err := cw.Write([]string{r.ID, r.Chunk.Text, r.Chunk.Section, r.Chunk.SourceID}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// Embedding matrix layout: magic, uint32 rows, uint32 dim, then rows*dim
// little-endian float32 values.
func readEmbeddings(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic := make([]byte, len(embeddingsMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if string(magic) != embeddingsMagic {
		return nil, fmt.Errorf("%w: %s is not an embedding matrix", ErrSchemaMismatch, path)
	}

	var shape [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &shape); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	rows, dim := int(shape[0]), int(shape[1])

	flat := make([]float32, rows*dim)
	if err := binary.Read(r, binary.LittleEndian, flat); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	matrix := make([][]float32, rows)
	for i := range matrix {
		matrix[i] = flat[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return matrix, nil
}

func writeEmbeddings(path string, records []models.ChunkRecord) error {
	dim := 0
	if len(records) > 0 {
		dim = len(records[0].Vector)
	}
	return WriteAtomic(path, func(w io.Writer) error {
		if _, err := io.WriteString(w, embeddingsMagic); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, [2]uint32{uint32(len(records)), uint32(dim)}); err != nil {
			return err
		}
		buf := make([]byte, 4*dim)
		for _, r := range records {
			for i, v := range r.Vector {
				binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return nil
	})
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	return WriteAtomic(path, func(w io.Writer) error {
		for _, line := range lines {
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return err
			}
		}
		return nil
	})
}

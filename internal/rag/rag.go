package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"arxiv-rag/internal/config"
	"arxiv-rag/internal/corpus"
	"arxiv-rag/internal/embedding"
	"arxiv-rag/internal/helper"
	"arxiv-rag/internal/llmservice"
	"arxiv-rag/internal/models"
	"arxiv-rag/internal/parser"
)

// Fetcher turns a paper identifier into its text.
type Fetcher interface {
	Fetch(ctx context.Context, paperID string) (*models.Document, error)
}

// IngestReport describes one ingestion batch.
type IngestReport struct {
	BatchID     string            `json:"batch_id"`
	Ingested    []string          `json:"ingested"`
	Failed      map[string]string `json:"failed,omitempty"`
	ChunksAdded int               `json:"chunks_added"`
	ChunksTotal int               `json:"chunks_total"`
}

// QueryRequest is one question. QueryPapers enables retrieval from the corpus;
// Model and APIKey override the configured chat model and credential.
type QueryRequest struct {
	Question    string
	QueryPapers bool
	Model       string
	APIKey      string
}

type Service struct {
	fetcher    Fetcher
	embedder   embeddings.Embedder
	store      corpus.Store
	answerer   llmservice.Answerer
	cfg        config.RAGConfig
	queryCache *cache.Cache

	// ingestion and reset are mutually exclusive
	mu sync.Mutex
}

func NewService(f Fetcher, e embeddings.Embedder, s corpus.Store, a llmservice.Answerer, cfg config.RAGConfig) *Service {
	svc := &Service{fetcher: f, embedder: e, store: s, answerer: a, cfg: cfg}
	if cfg.QueryCacheTTL > 0 {
		svc.queryCache = cache.New(cfg.QueryCacheTTL, 2*cfg.QueryCacheTTL)
	}
	return svc
}

// Ingest fetches, chunks and embeds each paper, then merges everything into
// the corpus in one step. A paper that fails is recorded in the report and
// skipped; a merge failure aborts the batch.
func (s *Service) Ingest(ctx context.Context, paperIDs []string) (*IngestReport, error) {
	batchID, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	report := &IngestReport{BatchID: batchID, Failed: map[string]string{}}
	logger := log.With().Str("batch_id", batchID).Logger()

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []models.ChunkRecord
	seen := make(map[string]struct{}, len(paperIDs))
	for _, id := range paperIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		paperRecords, err := s.ingestPaper(ctx, id)
		if err != nil {
			logger.Warn().Err(err).Str("paper_id", id).Msg("Skipping paper")
			report.Failed[id] = err.Error()
			continue
		}
		logger.Info().Str("paper_id", id).Int("chunks", len(paperRecords)).Msg("Paper processed")
		records = append(records, paperRecords...)
		report.Ingested = append(report.Ingested, id)
	}

	if len(report.Ingested) == 0 {
		logger.Info().Int("failed", len(report.Failed)).Msg("Nothing to merge")
		return report, nil
	}

	stats, err := s.store.Merge(ctx, records, report.Ingested)
	if err != nil {
		return nil, fmt.Errorf("merge corpus: %w", err)
	}
	report.ChunksAdded = stats.Added
	report.ChunksTotal = stats.Total

	logger.Info().Int("added", stats.Added).Int("total", stats.Total).Int("failed", len(report.Failed)).Msg("Ingestion finished")
	return report, nil
}

func (s *Service) ingestPaper(ctx context.Context, paperID string) ([]models.ChunkRecord, error) {
	doc, err := s.fetcher.Fetch(ctx, paperID)
	if err != nil {
		return nil, err
	}
	chunks, err := parser.ChunkDocument(doc, s.cfg.WindowSize, s.cfg.Stride)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from %s", paperID)
	}
	log.Debug().Str("paper_id", paperID).Str("format", string(doc.Format)).Int("chunks", len(chunks)).Msg("Chunked paper")
	return embedding.EmbedChunks(ctx, s.embedder, chunks)
}

// Query answers a question, optionally with retrieved context. It always
// returns text: the answer, or a message describing what went wrong.
func (s *Service) Query(ctx context.Context, req QueryRequest) string {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return models.MsgEmptyQuery
	}
	if utf8.RuneCountInString(question) > s.cfg.MaxQueryLength {
		return models.MsgQueryTooLong
	}

	var contextText string
	if req.QueryPapers {
		text, err := s.retrieve(ctx, question)
		if err != nil {
			log.Error().Err(err).Msg("Retrieval failed")
			return llmservice.Classify(err).Message()
		}
		contextText = text
	}

	answer, err := s.answerer.Answer(ctx, llmservice.AnswerRequest{
		Context:  contextText,
		Question: question,
		Model:    req.Model,
		APIKey:   req.APIKey,
	})
	if err != nil {
		kind := llmservice.Classify(err)
		log.Error().Err(err).Str("kind", kind.String()).Msg("Answer generation failed")
		return kind.Message()
	}
	return answer
}

// retrieve returns the top-K chunk texts joined into one context string, or
// "" when nothing has been ingested.
func (s *Service) retrieve(ctx context.Context, question string) (string, error) {
	exists, err := s.store.Exists(ctx)
	if err != nil || !exists {
		return "", err
	}

	vector, err := s.embedQuery(ctx, question)
	if err != nil {
		return "", err
	}
	results, err := s.store.Search(ctx, vector, s.cfg.TopK)
	if err != nil {
		return "", err
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Record.Chunk.Text
	}
	log.Debug().Int("k", s.cfg.TopK).Int("results", len(results)).Msg("Retrieved context")
	return strings.Join(texts, models.ContextSeparator), nil
}

func (s *Service) embedQuery(ctx context.Context, question string) ([]float32, error) {
	if s.queryCache != nil {
		if v, ok := s.queryCache.Get(question); ok {
			return v.([]float32), nil
		}
	}
	vector, err := s.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if s.queryCache != nil {
		s.queryCache.Set(question, vector, cache.DefaultExpiration)
	}
	return vector, nil
}

// Reset deletes the whole corpus.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset corpus: %w", err)
	}
	log.Info().Dur("took", time.Since(start)).Msg("Corpus reset")
	return nil
}

// IDs lists the identifiers of every ingested paper.
func (s *Service) IDs(ctx context.Context) ([]string, error) {
	return s.store.PaperIDs(ctx)
}

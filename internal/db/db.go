package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"arxiv-rag/internal/config"
	"arxiv-rag/internal/corpus"
	"arxiv-rag/internal/models"
)

// advisoryLockKey serializes merges and resets across processes.
const advisoryLockKey int64 = 0x61727869765f7261

type ChunkRow struct {
	bun.BaseModel `bun:"table:arxiv_chunks,alias:c"`
	Seq           int64           `bun:"seq,pk,autoincrement"`
	Hash          string          `bun:"hash,notnull,unique"`
	Text          string          `bun:"text,notnull"`
	Section       string          `bun:"section,notnull"`
	SourceID      string          `bun:"source_id,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,notnull"`
	Similarity    float64         `bun:"similarity,scanonly"`
}

type PaperRow struct {
	bun.BaseModel `bun:"table:arxiv_papers,alias:p"`
	ID            string `bun:"id,pk"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(dsn, password string) *sql.DB {
	opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
	if password != "" {
		opts = append(opts, pgdriver.WithPassword(password))
	}
	return sql.OpenDB(pgdriver.NewConnector(opts...))
}

// createChunksTable is raw DDL because the vector width is only known at runtime.
func createChunksTable(dim int) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS arxiv_chunks (
	seq bigserial PRIMARY KEY,
	hash text NOT NULL UNIQUE,
	text text NOT NULL,
	section text NOT NULL DEFAULT '',
	source_id text NOT NULL DEFAULT '',
	embedding vector(%d) NOT NULL
)`, dim)
}

func InitDB(ctx context.Context, db *bun.DB, dim int) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	if _, err := db.ExecContext(ctx, createChunksTable(dim)); err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}
	if _, err := db.NewCreateTable().Model((*PaperRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create papers table: %w", err)
	}
	return nil
}

// Store is a corpus.Store on Postgres with the pgvector extension.
type Store struct {
	db  *bun.DB
	dim int
}

var _ corpus.Store = (*Store)(nil)

// Open connects and makes sure the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db := NewDB(ConnectDB(cfg.DSN, cfg.Password), cfg.Debug)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := InitDB(ctx, db, cfg.VectorSize); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, dim: cfg.VectorSize}, nil
}

func toRows(records []models.ChunkRecord) []ChunkRow {
	rows := make([]ChunkRow, len(records))
	for i, r := range records {
		rows[i] = ChunkRow{
			Hash:      r.ID,
			Text:      r.Chunk.Text,
			Section:   r.Chunk.Section,
			SourceID:  r.Chunk.SourceID,
			Embedding: pgvector.NewVector(r.Vector),
		}
	}
	return rows
}

func (r ChunkRow) result() models.SearchResult {
	return models.SearchResult{
		Index: int(r.Seq),
		Record: models.ChunkRecord{
			ID:     r.Hash,
			Chunk:  models.Chunk{Text: r.Text, Section: r.Section, SourceID: r.SourceID},
			Vector: r.Embedding.Slice(),
		},
		Similarity: float32(r.Similarity),
	}
}

func (s *Store) checkDim(n int) error {
	if n != s.dim {
		return fmt.Errorf("%w: vector dimension %d, column dimension %d", corpus.ErrSchemaMismatch, n, s.dim)
	}
	return nil
}

func (s *Store) Merge(ctx context.Context, records []models.ChunkRecord, paperIDs []string) (corpus.MergeStats, error) {
	incoming, _, err := corpus.MergeRecords(nil, records)
	if err != nil {
		return corpus.MergeStats{}, err
	}
	if len(incoming) > 0 {
		if err := s.checkDim(len(incoming[0].Vector)); err != nil {
			return corpus.MergeStats{}, err
		}
	}
	ids := corpus.MergeIdentifierSet(nil, paperIDs)

	var stats corpus.MergeStats
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", advisoryLockKey); err != nil {
			return err
		}

		if len(incoming) > 0 {
			rows := toRows(incoming)
			res, err := tx.NewInsert().Model(&rows).On("CONFLICT (hash) DO NOTHING").Returning("NULL").Exec(ctx)
			if err != nil {
				return fmt.Errorf("insert chunks: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			stats.Added = int(n)
		}

		if len(ids) > 0 {
			papers := make([]PaperRow, len(ids))
			for i, id := range ids {
				papers[i] = PaperRow{ID: id}
			}
			if _, err := tx.NewInsert().Model(&papers).On("CONFLICT (id) DO NOTHING").Returning("NULL").Exec(ctx); err != nil {
				return fmt.Errorf("insert papers: %w", err)
			}
		}

		total, err := tx.NewSelect().Model((*ChunkRow)(nil)).Count(ctx)
		stats.Total = total
		return err
	})
	if err != nil {
		return corpus.MergeStats{}, err
	}

	log.Debug().Str("backend", "pgvector").Int("added", stats.Added).Int("total", stats.Total).Msg("Merged corpus")
	return stats, nil
}

func (s *Store) Search(ctx context.Context, query []float32, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return []models.SearchResult{}, nil
	}
	if err := s.checkDim(len(query)); err != nil {
		return nil, err
	}

	vec := pgvector.NewVector(query)
	var rows []ChunkRow
	err := s.db.NewSelect().
		Model(&rows).
		Column("seq", "hash", "text", "section", "source_id", "embedding").
		ColumnExpr("1 - (embedding <=> ?) AS similarity", vec).
		OrderExpr("embedding <=> ?", vec).
		OrderExpr("seq ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	results := make([]models.SearchResult, len(rows))
	for i, r := range rows {
		results[i] = r.result()
	}
	return results, nil
}

func (s *Store) PaperIDs(ctx context.Context) ([]string, error) {
	var papers []PaperRow
	if err := s.db.NewSelect().Model(&papers).Order("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, len(papers))
	for i, p := range papers {
		ids[i] = p.ID
	}
	return ids, nil
}

func (s *Store) Exists(ctx context.Context) (bool, error) {
	return s.db.NewSelect().Model((*ChunkRow)(nil)).Exists(ctx)
}

// Reset empties both tables.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", advisoryLockKey); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "TRUNCATE arxiv_chunks, arxiv_papers RESTART IDENTITY")
		return err
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"arxiv-rag/internal/chromemdb"
	"arxiv-rag/internal/config"
	"arxiv-rag/internal/corpus"
	"arxiv-rag/internal/db"
	"arxiv-rag/internal/embedding"
	"arxiv-rag/internal/fetcher"
	"arxiv-rag/internal/helper"
	"arxiv-rag/internal/llmservice"
	"arxiv-rag/internal/rag"
	"arxiv-rag/internal/server"
)

type app struct {
	cfg   *config.Config
	store corpus.Store
	svc   *rag.Service
}

func (a *app) Close() error {
	return a.store.Close()
}

type contextKey struct{}

// rootCmd owns the app opened by the pre-run hook. cobra skips post-run
// hooks when RunE fails, so the app is closed after execution returns.
type rootCmd struct {
	*cobra.Command
	app *app
}

func (r *rootCmd) Execute() error {
	return r.ExecuteContext(context.Background())
}

func (r *rootCmd) ExecuteContext(ctx context.Context) error {
	return r.release(r.Command.ExecuteContext(ctx))
}

// release closes the app, if one was opened, and keeps err when both fail.
func (r *rootCmd) release(err error) error {
	if r.app == nil {
		return err
	}
	closeErr := r.app.Close()
	r.app = nil
	if closeErr != nil {
		log.Error().Err(closeErr).Msg("Failed to close corpus")
		if err == nil {
			err = closeErr
		}
	}
	return err
}

func NewRootCmd() *rootCmd {
	var configPath, backend string
	r := &rootCmd{}

	root := &cobra.Command{
		Use:   "arxiv-rag",
		Short: "Ask questions about arXiv papers",
		Long: `arxiv-rag downloads arXiv papers, indexes their text as embeddings
and answers questions with the most relevant passages as context.

Examples:
  arxiv-rag ingest 2301.00001 hep-th/9901001
  arxiv-rag ask "What is the main result?"
  arxiv-rag serve --addr 127.0.0.1:5000`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if backend != "" {
				cfg.Storage.Backend = backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
				zerolog.SetGlobalLevel(level)
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			r.app = a
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, a))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", configFilePath, "Path to the YAML config file")
	root.PersistentFlags().StringVar(&backend, "backend", "", "Corpus backend: file, chromem or pgvector")

	root.AddCommand(newIngestCmd(), newAskCmd(), newResetCmd(), newIDsCmd(), newServeCmd())
	r.Command = root
	return r
}

func appFrom(cmd *cobra.Command) *app {
	return cmd.Context().Value(contextKey{}).(*app)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewEmbedder(&cfg.EmbedLLM)
	if err != nil {
		store.Close()
		return nil, err
	}

	f := fetcher.New(fetcher.Options{
		SourceBaseURL: cfg.Fetch.SourceBaseURL,
		PDFBaseURL:    cfg.Fetch.PDFBaseURL,
		OutputDir:     cfg.Storage.PapersDir(),
		UserAgent:     cfg.Fetch.UserAgent,
		Timeout:       cfg.Fetch.Timeout,
		RateLimit:     cfg.Fetch.RateLimit,
	})

	svc := rag.NewService(f, embedder, store, llmservice.NewGenerator(cfg.ChatLLM), cfg.RAG)
	return &app{cfg: cfg, store: store, svc: svc}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (corpus.Store, error) {
	log.Debug().Str("backend", cfg.Storage.Backend).Msg("Opening corpus")

	switch cfg.Storage.Backend {
	case config.BackendChromem:
		return chromemdb.NewVectorDBManager(cfg.Storage.DBDir(), cfg.Storage.Collection, cfg.Storage.InMemory, cfg.Storage.EncryptionKey)
	case config.BackendPgvector:
		return db.Open(ctx, cfg.Database)
	default:
		return corpus.NewFileStore(cfg.Storage.DBDir())
	}
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <arxiv-id>...",
		Short: "Download, chunk and index papers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := appFrom(cmd).svc.Ingest(cmd.Context(), args)
			if err != nil {
				return err
			}
			return helper.PrettyPrint(cmd.OutOrStdout(), report)
		},
	}
}

func newAskCmd() *cobra.Command {
	var noPapers bool
	var model, apiKey string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question using the indexed papers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			answer := appFrom(cmd).svc.Query(cmd.Context(), rag.QueryRequest{
				Question:    strings.Join(args, " "),
				QueryPapers: !noPapers,
				Model:       model,
				APIKey:      apiKey,
			})
			_, err := fmt.Fprintln(cmd.OutOrStdout(), answer)
			return err
		},
	}

	cmd.Flags().BoolVar(&noPapers, "no-papers", false, "Answer without retrieving context from the corpus")
	cmd.Flags().StringVar(&model, "model", "", "Chat model (defaults to chat_llm.model)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for this request (defaults to chat_llm.key)")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the whole corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appFrom(cmd).svc.Reset(cmd.Context()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "corpus reset")
			return err
		},
	}
}

func newIDsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ids",
		Short: "List ingested paper identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := appFrom(cmd).svc.IDs(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e := server.New(a.svc)
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := e.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Error shutting down server")
				}
			}()

			log.Info().Str("addr", addr).Str("backend", a.cfg.Storage.Backend).Msg("Starting server")
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.addr)")
	return cmd
}

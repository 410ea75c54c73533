package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arxiv-rag/internal/chromemdb"
	"arxiv-rag/internal/config"
	"arxiv-rag/internal/corpus"
	"arxiv-rag/internal/models"
)

func writeConfig(t *testing.T, backend string) (string, string) {
	t.Helper()
	for _, key := range []string{"ARXIV_RAG_DATA_DIR", "ARXIV_RAG_BACKEND", "ARXIV_RAG_LOG_LEVEL", "DATABASE_URL", "OPENAI_API_KEY"} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("log_level: error\nstorage:\n  backend: %s\n  data_dir: %s\n", backend, dataDir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, dataDir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "ask", "reset", "ids", "serve"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("backend"))
}

func TestAskCmd_Flags(t *testing.T) {
	cmd := newAskCmd()
	for _, name := range []string{"no-papers", "model", "api-key"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestIDsCmd_ListsStoredIDs(t *testing.T) {
	path, dataDir := writeConfig(t, config.BackendFile)

	store, err := corpus.NewFileStore(filepath.Join(dataDir, "db"))
	require.NoError(t, err)
	rec := corpus.NewRecord(models.Chunk{Text: "quarks", SourceID: "2301.00001"}, []float32{1, 0})
	_, err = store.Merge(context.Background(), []models.ChunkRecord{rec}, []string{"2301.00002", "2301.00001"})
	require.NoError(t, err)

	out, err := run(t, "--config", path, "ids")
	require.NoError(t, err)
	assert.Equal(t, "2301.00001\n2301.00002\n", out)
}

func TestResetCmd(t *testing.T) {
	path, dataDir := writeConfig(t, config.BackendFile)

	store, err := corpus.NewFileStore(filepath.Join(dataDir, "db"))
	require.NoError(t, err)
	rec := corpus.NewRecord(models.Chunk{Text: "quarks"}, []float32{1, 0})
	_, err = store.Merge(context.Background(), []models.ChunkRecord{rec}, []string{"2301.00001"})
	require.NoError(t, err)

	out, err := run(t, "--config", path, "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "corpus reset")

	exists, err := store.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAskCmd_EmptyQuestion(t *testing.T) {
	path, _ := writeConfig(t, config.BackendFile)

	out, err := run(t, "--config", path, "ask", "  ")
	require.NoError(t, err)
	assert.Equal(t, models.MsgEmptyQuery+"\n", out)
}

func TestBackendFlag(t *testing.T) {
	path, dataDir := writeConfig(t, config.BackendFile)

	_, err := run(t, "--config", path, "--backend", config.BackendChromem, "ids")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dataDir, "db", "chromem"))

	_, err = run(t, "--config", path, "--backend", "redis", "ids")
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()

	store, err := openStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &corpus.FileStore{}, store)

	cfg.Storage.Backend = config.BackendChromem
	store, err = openStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &chromemdb.VectorDBManager{}, store)
}

type closeSpy struct {
	corpus.Store
	closed   int
	closeErr error
}

func (s *closeSpy) Close() error {
	s.closed++
	return s.closeErr
}

func TestRootCmd_ClosesAppWhenRunFails(t *testing.T) {
	path, _ := writeConfig(t, config.BackendFile)

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", path, "serve", "--addr", "bad:addr:x"})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad:addr:x")
	assert.Nil(t, cmd.app)
}

func TestRootCmd_Release(t *testing.T) {
	runErr := errors.New("run failed")

	t.Run("closes after a failed run", func(t *testing.T) {
		spy := &closeSpy{}
		r := &rootCmd{app: &app{store: spy}}

		assert.Equal(t, runErr, r.release(runErr))
		assert.Equal(t, 1, spy.closed)
		assert.Nil(t, r.app)

		assert.Equal(t, runErr, r.release(runErr))
		assert.Equal(t, 1, spy.closed)
	})

	t.Run("reports close error after success", func(t *testing.T) {
		spy := &closeSpy{closeErr: errors.New("close failed")}
		r := &rootCmd{app: &app{store: spy}}

		assert.EqualError(t, r.release(nil), "close failed")
	})

	t.Run("keeps run error when close also fails", func(t *testing.T) {
		spy := &closeSpy{closeErr: errors.New("close failed")}
		r := &rootCmd{app: &app{store: spy}}

		assert.Equal(t, runErr, r.release(runErr))
	})

	t.Run("no app", func(t *testing.T) {
		r := &rootCmd{}
		assert.NoError(t, r.release(nil))
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"ARXIV_RAG_LOG_LEVEL", "ARXIV_RAG_DATA_DIR", "ARXIV_RAG_BACKEND", "ARXIV_RAG_ENCRYPTION_KEY",
		"DATABASE_URL", "DATABASE_PASSWORD", "EMBED_BASE_URL", "OPENAI_BASE_URL", "OPENAI_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: chromem
  data_dir: /tmp/arxiv
rag:
  window_size: 256
  stride: 128
  query_cache_ttl: 1m
chat_llm:
  model: gpt-4o-mini
  timeout: 5s
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, BackendChromem, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/arxiv/db", cfg.Storage.DBDir())
	assert.Equal(t, "/tmp/arxiv/papers", cfg.Storage.PapersDir())
	assert.Equal(t, 256, cfg.RAG.WindowSize)
	assert.Equal(t, 128, cfg.RAG.Stride)
	assert.Equal(t, time.Minute, cfg.RAG.QueryCacheTTL)
	assert.Equal(t, 2, cfg.RAG.TopK, "unset fields keep defaults")
	assert.Equal(t, "gpt-4o-mini", cfg.ChatLLM.Model)
	assert.Equal(t, 5*time.Second, cfg.ChatLLM.Timeout)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ARXIV_RAG_DATA_DIR", "/srv/arxiv")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embed_llm:\n  provider: openai\n  model: text-embedding-3-small\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.ChatLLM.Key)
	assert.Equal(t, "sk-test", cfg.EmbedLLM.Key)
	assert.Equal(t, "/srv/arxiv", cfg.Storage.DataDir)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rag: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, true},
		{"unknown provider", func(c *Config) { c.EmbedLLM.Provider = "cohere" }, true},
		{"zero stride", func(c *Config) { c.RAG.Stride = 0 }, true},
		{"negative window", func(c *Config) { c.RAG.WindowSize = -1 }, true},
		{"zero top k", func(c *Config) { c.RAG.TopK = 0 }, true},
		{"zero query limit", func(c *Config) { c.RAG.MaxQueryLength = 0 }, true},
		{"pgvector without dsn", func(c *Config) { c.Storage.Backend = BackendPgvector }, true},
		{"pgvector with dsn", func(c *Config) {
			c.Storage.Backend = BackendPgvector
			c.Database.DSN = "postgres://localhost/arxiv"
		}, false},
		{"short encryption key", func(c *Config) { c.Storage.EncryptionKey = "short" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefault_WindowMatchesWordSizedChunks(t *testing.T) {
	cfg := Default()

	// window and stride count runes; about six per word of prose
	assert.Equal(t, 512*6, cfg.RAG.WindowSize)
	assert.Equal(t, 384*6, cfg.RAG.Stride)
	assert.Less(t, cfg.RAG.Stride, cfg.RAG.WindowSize)
	require.NoError(t, cfg.Validate())
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendFile     = "file"
	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"

	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	LogLevel string         `yaml:"log_level"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	EmbedLLM LLMConfig      `yaml:"embed_llm"`
	ChatLLM  ChatConfig     `yaml:"chat_llm"`
	RAG      RAGConfig      `yaml:"rag"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Server   ServerConfig   `yaml:"server"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	DataDir       string `yaml:"data_dir"`
	Collection    string `yaml:"collection"`
	InMemory      bool   `yaml:"in_memory"`
	EncryptionKey string `yaml:"encryption_key"`
}

// PapersDir receives downloaded bundles and PDFs.
func (s StorageConfig) PapersDir() string { return filepath.Join(s.DataDir, "papers") }

// DBDir holds the persisted corpus.
func (s StorageConfig) DBDir() string { return filepath.Join(s.DataDir, "db") }

type DatabaseConfig struct {
	DSN        string `yaml:"dsn"`
	Password   string `yaml:"password"`
	Debug      bool   `yaml:"debug"`
	VectorSize int    `yaml:"vector_size"`
}

// LLMConfig describes the embedding provider.
type LLMConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Key       string `yaml:"key"`
	BatchSize int    `yaml:"batch_size"`
}

// ChatConfig describes the chat-completion provider.
type ChatConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Key         string        `yaml:"key"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

type RAGConfig struct {
	// WindowSize and Stride count characters (runes), not words.
	WindowSize     int           `yaml:"window_size"`
	Stride         int           `yaml:"stride"`
	TopK           int           `yaml:"top_k"`
	MaxQueryLength int           `yaml:"max_query_length"`
	QueryCacheTTL  time.Duration `yaml:"query_cache_ttl"`
}

type FetchConfig struct {
	SourceBaseURL string        `yaml:"source_base_url"`
	PDFBaseURL    string        `yaml:"pdf_base_url"`
	UserAgent     string        `yaml:"user_agent"`
	Timeout       time.Duration `yaml:"timeout"`
	RateLimit     time.Duration `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel: "debug",
		Storage: StorageConfig{
			Backend:    BackendFile,
			DataDir:    "./data",
			Collection: "arxiv_chunks",
		},
		Database: DatabaseConfig{
			VectorSize: 384,
		},
		EmbedLLM: LLMConfig{
			Provider:  ProviderOllama,
			BaseURL:   "http://localhost:11434",
			Model:     "all-minilm",
			BatchSize: 32,
		},
		ChatLLM: ChatConfig{
			Model:       "gpt-3.5-turbo",
			Temperature: 0.1,
			Timeout:     60 * time.Second,
		},
		// windows of about 512 words, advancing by 384
		RAG: RAGConfig{
			WindowSize:     3072,
			Stride:         2304,
			TopK:           2,
			MaxQueryLength: 300,
			QueryCacheTTL:  10 * time.Minute,
		},
		Fetch: FetchConfig{
			SourceBaseURL: "https://arxiv.org/e-print/",
			PDFBaseURL:    "https://arxiv.org/pdf/",
			UserAgent:     "arxiv-rag/1.0",
			Timeout:       60 * time.Second,
			RateLimit:     3 * time.Second,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:5000",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// .env and environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	// .env is optional
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("ARXIV_RAG_LOG_LEVEL", c.LogLevel)
	c.Storage.DataDir = getEnv("ARXIV_RAG_DATA_DIR", c.Storage.DataDir)
	c.Storage.Backend = getEnv("ARXIV_RAG_BACKEND", c.Storage.Backend)
	c.Storage.EncryptionKey = getEnv("ARXIV_RAG_ENCRYPTION_KEY", c.Storage.EncryptionKey)
	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)
	c.Database.Password = getEnv("DATABASE_PASSWORD", c.Database.Password)
	c.EmbedLLM.BaseURL = getEnv("EMBED_BASE_URL", c.EmbedLLM.BaseURL)
	c.ChatLLM.BaseURL = getEnv("OPENAI_BASE_URL", c.ChatLLM.BaseURL)
	c.ChatLLM.Key = getEnv("OPENAI_API_KEY", c.ChatLLM.Key)
	if c.EmbedLLM.Provider == ProviderOpenAI && c.EmbedLLM.Key == "" {
		c.EmbedLLM.Key = c.ChatLLM.Key
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendChromem, BackendPgvector:
	default:
		return fmt.Errorf("storage.backend must be one of file, chromem, pgvector; got %q", c.Storage.Backend)
	}
	switch c.EmbedLLM.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("embed_llm.provider must be ollama or openai; got %q", c.EmbedLLM.Provider)
	}
	if c.RAG.WindowSize <= 0 || c.RAG.Stride <= 0 {
		return fmt.Errorf("rag.window_size and rag.stride must be positive, got %d and %d", c.RAG.WindowSize, c.RAG.Stride)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("rag.top_k must be positive, got %d", c.RAG.TopK)
	}
	if c.RAG.MaxQueryLength <= 0 {
		return fmt.Errorf("rag.max_query_length must be positive, got %d", c.RAG.MaxQueryLength)
	}
	if c.Storage.Backend == BackendPgvector && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the pgvector backend")
	}
	if c.Storage.Backend == BackendPgvector && c.Database.VectorSize <= 0 {
		return fmt.Errorf("database.vector_size must be positive, got %d", c.Database.VectorSize)
	}
	if k := len(c.Storage.EncryptionKey); k != 0 && k != 32 {
		return fmt.Errorf("storage.encryption_key must be 32 bytes, got %d", k)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Objects    ObjectsConfig
	Parser     ParserConfig
	LLM        ProviderConfig
	Embeddings EmbeddingsConfig
	Worker     WorkerConfig
	Retrieval  RetrievalConfig
	Chunking   ChunkingConfig
	Extraction ExtractionConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	PostgresDSN string
}

type ObjectsConfig struct {
	// Dir is the filesystem object store root; empty means <data_dir>/objects.
	Dir string
}

type ParserConfig struct {
	ServiceURL string
}

// ProviderConfig selects a completion provider. Empty BaseURL and Model
// mean the provider's defaults.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
}

type EmbeddingsConfig struct {
	ProviderConfig
	Dimensions int
}

type WorkerConfig struct {
	Enabled      bool
	PollInterval time.Duration
	MaxAttempts  int
	StaleAfter   time.Duration
}

type RetrievalConfig struct {
	TopK          int
	MinSimilarity float64
}

type ChunkingConfig struct {
	MaxChars int
}

type ExtractionConfig struct {
	RulesFile string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server:     ServerConfig{Port: 4100},
		Storage:    StorageConfig{Driver: DriverSQLite, DataDir: defaultDataDir()},
		LLM:        ProviderConfig{Provider: "ollama"},
		Embeddings: EmbeddingsConfig{ProviderConfig: ProviderConfig{Provider: "ollama"}, Dimensions: 768},
		Worker: WorkerConfig{
			Enabled:      true,
			PollInterval: 5 * time.Second,
			MaxAttempts:  3,
			StaleAfter:   15 * time.Minute,
		},
		Retrieval: RetrievalConfig{TopK: 5, MinSimilarity: 0.1},
		Chunking:  ChunkingConfig{MaxChars: 2000},
		Log:       LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the JSON file at FilePath and
// ATTEST_* environment variables, in that order. A .env file in the working
// directory is read first; variables already set in the environment win.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newFileBackend(FilePath()))
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	llmProviders       = []string{"ollama", "openai", "anthropic", "gemini"}
	embeddingProviders = []string{"ollama", "openai", "gemini", "voyage"}
)

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.driver is postgres but ATTEST_STORAGE_POSTGRES_DSN is not set")
		}
	default:
		return fmt.Errorf("storage.driver must be %s or %s, got %q", DriverSQLite, DriverPostgres, c.Storage.Driver)
	}
	if !contains(llmProviders, c.LLM.Provider) {
		return fmt.Errorf("llm.provider must be one of %s, got %q", strings.Join(llmProviders, ", "), c.LLM.Provider)
	}
	if !contains(embeddingProviders, c.Embeddings.Provider) {
		return fmt.Errorf("embeddings.provider must be one of %s, got %q", strings.Join(embeddingProviders, ", "), c.Embeddings.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	if c.Worker.StaleAfter < 0 {
		return fmt.Errorf("worker.stale_after must not be negative")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive")
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity > 1 {
		return fmt.Errorf("retrieval.min_similarity must be within [0, 1]")
	}
	if c.Chunking.MaxChars <= 0 {
		return fmt.Errorf("chunking.max_chars must be positive")
	}
	return nil
}

func (c Config) ObjectsDir() string {
	if c.Objects.Dir != "" {
		return c.Objects.Dir
	}
	return filepath.Join(c.Storage.DataDir, "objects")
}

// SlogLevel maps log.level to a slog level; unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

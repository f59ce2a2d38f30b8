package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every ATTEST_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

// TestDefaults verifies all default values are applied when the config file is empty.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.LLM.Provider != "ollama" || cfg.Embeddings.Provider != "ollama" {
		t.Errorf("providers = %q/%q, want ollama", cfg.LLM.Provider, cfg.Embeddings.Provider)
	}
	if cfg.Embeddings.Dimensions != 768 {
		t.Errorf("Embeddings.Dimensions = %d, want 768", cfg.Embeddings.Dimensions)
	}
	if !cfg.Worker.Enabled || cfg.Worker.PollInterval != 5*time.Second || cfg.Worker.MaxAttempts != 3 || cfg.Worker.StaleAfter != 15*time.Minute {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.MinSimilarity != 0.1 {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Chunking.MaxChars != 2000 {
		t.Errorf("Chunking.MaxChars = %d, want 2000", cfg.Chunking.MaxChars)
	}
	if got, want := cfg.ObjectsDir(), filepath.Join(cfg.Storage.DataDir, "objects"); got != want {
		t.Errorf("ObjectsDir() = %q, want %q", got, want)
	}
}

// TestFileParsing verifies that typed values are read from the JSON file.
func TestFileParsing(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
  "server.port": 5000,
  "storage.data_dir": "/tmp/attest-test",
  "objects.dir": "/srv/objects",
  "llm.provider": "anthropic",
  "llm.model": "claude-3-5-haiku-latest",
  "embeddings.provider": "openai",
  "embeddings.dimensions": 1536,
  "worker.enabled": false,
  "worker.poll_interval": "250ms",
  "worker.stale_after": "0s",
  "retrieval.min_similarity": 0.25,
  "log.level": "debug"
}`)

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.ObjectsDir() != "/srv/objects" {
		t.Errorf("ObjectsDir() = %q", cfg.ObjectsDir())
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-3-5-haiku-latest" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Embeddings.Dimensions != 1536 {
		t.Errorf("Embeddings.Dimensions = %d", cfg.Embeddings.Dimensions)
	}
	if cfg.Worker.Enabled {
		t.Error("Worker.Enabled = true, want false")
	}
	if cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Errorf("Worker.PollInterval = %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.StaleAfter != 0 {
		t.Errorf("Worker.StaleAfter = %v, want 0", cfg.Worker.StaleAfter)
	}
	if cfg.Retrieval.MinSimilarity != 0.25 {
		t.Errorf("Retrieval.MinSimilarity = %v", cfg.Retrieval.MinSimilarity)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("SlogLevel() = %v", cfg.SlogLevel())
	}
}

// TestEnvOverride verifies that environment variables override file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 5000, "retrieval.top_k": 3}`)

	t.Setenv("ATTEST_SERVER_PORT", "6000")
	t.Setenv("ATTEST_SERVER_API_TOKEN", "secret-token")
	t.Setenv("ATTEST_WORKER_MAX_ATTEMPTS", "not-a-number")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("Retrieval.TopK = %d, want 3", cfg.Retrieval.TopK)
	}
	if cfg.Server.APIToken != "secret-token" {
		t.Errorf("Server.APIToken = %q", cfg.Server.APIToken)
	}
	// Unparsable env values are ignored.
	if cfg.Worker.MaxAttempts != 3 {
		t.Errorf("Worker.MaxAttempts = %d, want 3", cfg.Worker.MaxAttempts)
	}
}

// TestSecretsIgnoredInFile verifies secrets are only read from the environment.
func TestSecretsIgnoredInFile(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(writeTempConfig(t, `{"server.api_token": "from-file", "llm.api_key": "from-file"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "" || cfg.LLM.APIKey != "" {
		t.Errorf("secrets read from file: token=%q key=%q", cfg.Server.APIToken, cfg.LLM.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{"bad driver", `{"storage.driver": "mysql"}`, nil, "storage.driver"},
		{"postgres without dsn", `{"storage.driver": "postgres"}`, nil, "ATTEST_STORAGE_POSTGRES_DSN"},
		{"postgres with dsn", `{"storage.driver": "postgres"}`, map[string]string{"ATTEST_STORAGE_POSTGRES_DSN": "postgres://localhost/attest"}, ""},
		{"bad llm provider", `{"llm.provider": "cohere"}`, nil, "llm.provider"},
		{"anthropic embeddings", `{"embeddings.provider": "anthropic"}`, nil, "embeddings.provider"},
		{"zero attempts", `{"worker.max_attempts": 0}`, nil, "worker.max_attempts"},
		{"similarity out of range", `{"retrieval.min_similarity": 1.5}`, nil, "retrieval.min_similarity"},
		{"bad duration", `{"worker.poll_interval": "soon"}`, nil, "worker.poll_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadWith(writeTempConfig(t, tt.content))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{}`)

	if err := setKeyWith(b, "retrieval.top_k", "8"); err != nil {
		t.Fatalf("setting top_k: %v", err)
	}
	if err := setKeyWith(b, "worker.poll_interval", "2s"); err != nil {
		t.Fatalf("setting poll_interval: %v", err)
	}
	if err := setKeyWith(b, "retrieval.top_k", "eight"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKeyWith(b, "llm.api_key", "sk-123"); err == nil || !strings.Contains(err.Error(), "ATTEST_LLM_API_KEY") {
		t.Errorf("expected secret refusal naming the env var, got %v", err)
	}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	// Reload from disk.
	cfg, err := loadWith(newFileBackend(b.path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.TopK != 8 || cfg.Worker.PollInterval != 2*time.Second {
		t.Errorf("persisted values not loaded: top_k=%d poll=%v", cfg.Retrieval.TopK, cfg.Worker.PollInterval)
	}
}

func TestShowAll_MasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-live"

	var sawKey, sawToken bool
	for _, info := range ShowAll(cfg) {
		switch info.Key {
		case "llm.api_key":
			sawKey = true
			if info.Value != "(set)" {
				t.Errorf("llm.api_key shown as %q", info.Value)
			}
		case "server.api_token":
			sawToken = true
			if info.Value != "(unset)" {
				t.Errorf("server.api_token shown as %q", info.Value)
			}
		}
	}
	if !sawKey || !sawToken {
		t.Error("secret keys missing from ShowAll")
	}

	for _, k := range ValidKeys() {
		if k == "llm.api_key" {
			t.Error("ValidKeys includes a secret")
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ATTEST_LLM_PROVIDER=gemini\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("ATTEST_LLM_PROVIDER")

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("ATTEST_LLM_PROVIDER"); got != "gemini" {
		t.Errorf("ATTEST_LLM_PROVIDER = %q, want gemini", got)
	}
	if err := loadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored, got %v", err)
	}
}

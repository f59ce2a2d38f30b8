package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

// keySpec binds a dotted config key to its Config field. Secret keys are
// read from the environment only and never persisted.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ATTEST_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "ATTEST_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.driver", typ: kString, env: "ATTEST_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ATTEST_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_dsn", typ: kString, env: "ATTEST_STORAGE_POSTGRES_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresDSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresDSN },
	},
	{
		key: "objects.dir", typ: kString, env: "ATTEST_OBJECTS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Objects.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Objects.Dir },
	},
	{
		key: "parser.service_url", typ: kString, env: "ATTEST_PARSER_SERVICE_URL",
		apply:   func(cfg *Config, v any) { cfg.Parser.ServiceURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Parser.ServiceURL },
	},
	{
		key: "llm.provider", typ: kString, env: "ATTEST_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "ATTEST_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "ATTEST_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.api_key", typ: kString, env: "ATTEST_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "embeddings.provider", typ: kString, env: "ATTEST_EMBEDDINGS_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embeddings.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embeddings.Provider },
	},
	{
		key: "embeddings.base_url", typ: kString, env: "ATTEST_EMBEDDINGS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embeddings.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embeddings.BaseURL },
	},
	{
		key: "embeddings.model", typ: kString, env: "ATTEST_EMBEDDINGS_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embeddings.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embeddings.Model },
	},
	{
		key: "embeddings.api_key", typ: kString, env: "ATTEST_EMBEDDINGS_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embeddings.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embeddings.APIKey },
	},
	{
		key: "embeddings.dimensions", typ: kInt, env: "ATTEST_EMBEDDINGS_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embeddings.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embeddings.Dimensions },
	},
	{
		key: "worker.enabled", typ: kBool, env: "ATTEST_WORKER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Worker.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Worker.Enabled },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "ATTEST_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.max_attempts", typ: kInt, env: "ATTEST_WORKER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Worker.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.MaxAttempts },
	},
	{
		key: "worker.stale_after", typ: kDuration, env: "ATTEST_WORKER_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Worker.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.StaleAfter },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "ATTEST_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_similarity", typ: kFloat, env: "ATTEST_RETRIEVAL_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinSimilarity },
	},
	{
		key: "chunking.max_chars", typ: kInt, env: "ATTEST_CHUNKING_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.MaxChars },
	},
	{
		key: "extraction.rules_file", typ: kString, env: "ATTEST_EXTRACTION_RULES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Extraction.RulesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Extraction.RulesFile },
	},
	{
		key: "log.level", typ: kString, env: "ATTEST_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text to the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		if s.typ != kString && raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			return fmt.Errorf("invalid value %q for %s: %w", raw, s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment variable", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads the main service configuration
func Load(dir string) (*Config, error) {
	configFile := filepath.Join(dir, "recall.yaml")

	content, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if no file exists
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Interpolate environment variables
	content = []byte(interpolateEnv(string(content)))

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// interpolateEnv replaces ${env.VAR} and ${VAR} with environment values
func interpolateEnv(content string) string {
	// Match ${env.VAR} pattern
	envPattern := regexp.MustCompile(`\$\{env\.([^}]+)\}`)
	content = envPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match // keep original if not found
	})

	// Match ${VAR} pattern
	varPattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	content = varPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := varPattern.FindStringSubmatch(match)[1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	return content
}

func defaultConfig() *Config {
	cfg := &Config{
		Name:    "recall",
		Version: "1.0",
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "recall"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Session.TTL == "" {
		cfg.Session.TTL = "2h"
	}
	if cfg.Session.SweepInterval == "" {
		cfg.Session.SweepInterval = "1m"
	}
	if cfg.Session.OpTimeout == "" {
		cfg.Session.OpTimeout = "5s"
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = ".recall/ledger.db"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "recall:embed:jobs"
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = "embedder"
	}
	if cfg.Queue.DeadLetter == "" {
		cfg.Queue.DeadLetter = "recall:embed:dead"
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}
	if cfg.Queue.BackoffBase == "" {
		cfg.Queue.BackoffBase = "2s"
	}
	if cfg.Queue.BackoffCap == "" {
		cfg.Queue.BackoffCap = "5m"
	}
	if cfg.Queue.Block == "" {
		cfg.Queue.Block = "5s"
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "chromem"
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = ".recall/index"
	}
	if cfg.Index.Collection == "" {
		cfg.Index.Collection = "conversations"
	}
	if cfg.Index.APIKey == "" {
		cfg.Index.APIKey = os.Getenv("QDRANT_API_KEY")
	}
	if cfg.Prefs.Path == "" {
		cfg.Prefs.Path = ".recall/prefs.db"
	}
	if cfg.Prefs.CacheTTL == "" {
		cfg.Prefs.CacheTTL = "1h"
	}
	if cfg.Search.K == 0 {
		cfg.Search.K = 6
	}
	if cfg.Search.MinSimilarity == 0 {
		cfg.Search.MinSimilarity = 0.40
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Worker.PoolSize == 0 {
		cfg.Worker.PoolSize = 2
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks a loaded configuration for inconsistencies.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}
	if cfg.Ledger.Path == "" {
		errs = append(errs, "ledger.path is required")
	}
	switch cfg.Index.Backend {
	case "chromem":
	case "qdrant":
		if cfg.Index.QdrantURL == "" {
			errs = append(errs, "index.qdrant_url is required for the qdrant backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid index backend: %s", cfg.Index.Backend))
	}
	if cfg.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be at least 1")
	}
	if cfg.Worker.PoolSize < 1 {
		errs = append(errs, "worker.pool_size must be at least 1")
	}
	if cfg.Search.K < 1 {
		errs = append(errs, "search.k must be at least 1")
	}
	if cfg.Search.MinSimilarity < 0 || cfg.Search.MinSimilarity > 1 {
		errs = append(errs, "search.min_similarity must be between 0 and 1")
	}
	if cfg.Embedding.Dimensions < 1 {
		errs = append(errs, "embedding.dimensions must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

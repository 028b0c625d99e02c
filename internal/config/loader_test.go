package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
name: test-memory
version: "2.0"
redis:
  addr: localhost:6380
  db: 2
session:
  ttl: 30m
  sweep_interval: 10s
queue:
  max_attempts: 3
  backoff_base: 1s
index:
  backend: chromem
search:
  k: 4
  min_similarity: 0.55
embedding:
  inline: true
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(filepath.Join(dir, "recall.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Name != "test-memory" {
		t.Errorf("expected name test-memory, got %s", cfg.Name)
	}
	if cfg.Redis.Addr != "localhost:6380" {
		t.Errorf("expected redis addr localhost:6380, got %s", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("expected redis db 2, got %d", cfg.Redis.DB)
	}
	if cfg.SessionTTL() != 30*time.Minute {
		t.Errorf("expected session ttl 30m, got %s", cfg.SessionTTL())
	}
	if cfg.SweepInterval() != 10*time.Second {
		t.Errorf("expected sweep interval 10s, got %s", cfg.SweepInterval())
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected max_attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Search.K != 4 {
		t.Errorf("expected k 4, got %d", cfg.Search.K)
	}
	if cfg.Search.MinSimilarity != 0.55 {
		t.Errorf("expected min_similarity 0.55, got %f", cfg.Search.MinSimilarity)
	}
	if !cfg.Embedding.Inline {
		t.Error("expected inline embedding enabled")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected format json, got %s", cfg.Logging.Format)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Defaults apply
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected default redis addr, got %s", cfg.Redis.Addr)
	}
	if cfg.SessionTTL() != 2*time.Hour {
		t.Errorf("expected default session ttl 2h, got %s", cfg.SessionTTL())
	}
	if cfg.Queue.Stream != "recall:embed:jobs" {
		t.Errorf("expected default stream, got %s", cfg.Queue.Stream)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("expected default max_attempts 5, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Index.Backend != "chromem" {
		t.Errorf("expected default backend chromem, got %s", cfg.Index.Backend)
	}
	if cfg.Search.K != 6 {
		t.Errorf("expected default k 6, got %d", cfg.Search.K)
	}
	if cfg.Search.MinSimilarity != 0.40 {
		t.Errorf("expected default min_similarity 0.40, got %f", cfg.Search.MinSimilarity)
	}
	if cfg.Embedding.Inline {
		t.Error("embedding should be asynchronous by default")
	}
	if cfg.Worker.PoolSize != 2 {
		t.Errorf("expected default pool size 2, got %d", cfg.Worker.PoolSize)
	}
}

func TestLoad_EnvInterpolation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RECALL_TEST_REDIS", "redis.internal:6379")

	content := `
redis:
  addr: ${RECALL_TEST_REDIS}
`
	if err := os.WriteFile(filepath.Join(dir, "recall.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("expected interpolated addr, got %s", cfg.Redis.Addr)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	dir := t.TempDir()
	content := `
index:
  backend: pinecone
`
	if err := os.WriteFile(filepath.Join(dir, "recall.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(dir)
	if err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
	if !strings.Contains(err.Error(), "invalid index backend") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_QdrantRequiresURL(t *testing.T) {
	cfg := defaultConfig()
	cfg.Index.Backend = "qdrant"
	cfg.Index.QdrantURL = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for qdrant backend without url")
	}

	cfg.Index.QdrantURL = "http://localhost:6333"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDurationFallbacks(t *testing.T) {
	cfg := defaultConfig()
	cfg.Session.TTL = "not-a-duration"

	// Unparseable durations fall back to defaults rather than failing reads.
	if cfg.SessionTTL() != 2*time.Hour {
		t.Errorf("expected fallback 2h, got %s", cfg.SessionTTL())
	}
	if cfg.BackoffBase() != 2*time.Second {
		t.Errorf("expected backoff base 2s, got %s", cfg.BackoffBase())
	}
	if cfg.PrefCacheTTL() != time.Hour {
		t.Errorf("expected pref cache ttl 1h, got %s", cfg.PrefCacheTTL())
	}
}

package config

import "time"

// Config represents the main service configuration (recall.yaml)
type Config struct {
	Name      string          `yaml:"name" json:"name"`
	Version   string          `yaml:"version" json:"version"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Ledger    LedgerConfig    `yaml:"ledger" json:"ledger"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	Prefs     PrefsConfig     `yaml:"prefs" json:"prefs"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// RedisConfig configures the Redis backend shared by the session cache,
// the preference cache, and the embedding job queue.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
}

// SessionConfig configures the fast session cache lifecycle.
type SessionConfig struct {
	TTL           string `yaml:"ttl" json:"ttl"`                       // e.g. "2h"
	SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"` // e.g. "1m"
	OpTimeout     string `yaml:"op_timeout" json:"op_timeout"`         // per-call bound, e.g. "5s"
}

// LedgerConfig configures the durable conversation store.
type LedgerConfig struct {
	Path string `yaml:"path" json:"path"` // SQLite file path
}

// QueueConfig configures the embedding job queue.
type QueueConfig struct {
	Stream      string `yaml:"stream" json:"stream"`
	Group       string `yaml:"group" json:"group"`
	DeadLetter  string `yaml:"dead_letter" json:"dead_letter"`
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase string `yaml:"backoff_base" json:"backoff_base"` // e.g. "2s"
	BackoffCap  string `yaml:"backoff_cap" json:"backoff_cap"`   // e.g. "5m"
	Block       string `yaml:"block" json:"block"`               // dequeue block duration
}

// IndexConfig configures the vector index backend.
type IndexConfig struct {
	Backend    string `yaml:"backend" json:"backend"` // chromem, qdrant
	Path       string `yaml:"path,omitempty" json:"path,omitempty"` // chromem persistence dir
	QdrantURL  string `yaml:"qdrant_url,omitempty" json:"qdrant_url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Collection string `yaml:"collection" json:"collection"`
}

// PrefsConfig configures the preference store.
type PrefsConfig struct {
	Path     string `yaml:"path" json:"path"`           // SQLite file path
	CacheTTL string `yaml:"cache_ttl" json:"cache_ttl"` // e.g. "1h"
}

// SearchConfig configures semantic retrieval.
type SearchConfig struct {
	K             int     `yaml:"k" json:"k"`
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`
}

// EmbeddingConfig configures the embedding pipeline.
// Inline disables asynchronous processing: embedding then runs during flush
// with the same idempotency contract, just synchronously.
type EmbeddingConfig struct {
	Inline     bool `yaml:"inline" json:"inline"`
	Dimensions int  `yaml:"dimensions" json:"dimensions"`
}

// WorkerConfig configures the embedding worker pool.
type WorkerConfig struct {
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text, json
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// MetricsConfig configures the optional metrics JSONL export.
type MetricsConfig struct {
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// SessionTTL returns the parsed session TTL, falling back to the default.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, 2*time.Hour)
}

// SweepInterval returns the parsed sweep interval, falling back to the default.
func (c *Config) SweepInterval() time.Duration {
	return parseDuration(c.Session.SweepInterval, time.Minute)
}

// OpTimeout returns the per-call timeout for blocking store operations.
func (c *Config) OpTimeout() time.Duration {
	return parseDuration(c.Session.OpTimeout, 5*time.Second)
}

// BackoffBase returns the initial redelivery backoff.
func (c *Config) BackoffBase() time.Duration {
	return parseDuration(c.Queue.BackoffBase, 2*time.Second)
}

// BackoffCap returns the maximum redelivery backoff.
func (c *Config) BackoffCap() time.Duration {
	return parseDuration(c.Queue.BackoffCap, 5*time.Minute)
}

// QueueBlock returns how long a dequeue blocks waiting for a job.
func (c *Config) QueueBlock() time.Duration {
	return parseDuration(c.Queue.Block, 5*time.Second)
}

// PrefCacheTTL returns the preference cache entry lifetime.
func (c *Config) PrefCacheTTL() time.Duration {
	return parseDuration(c.Prefs.CacheTTL, time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

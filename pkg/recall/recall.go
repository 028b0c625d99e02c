// Package recall provides a public API for embedding the recall memory
// service in a Go program, instead of running it through the CLI.
//
// Example usage:
//
//	import "github.com/cadre-oss/recall/pkg/recall"
//
//	client, err := recall.Open(".")
//	if err != nil { ... }
//	defer client.Close()
//
//	client.RecordTurn(ctx, "alice", "sess-1", recall.RoleUser, "hello")
//	bundle, err := client.Context(ctx, "alice", "sess-1", "api keys")
package recall

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/cadre-oss/recall/internal/config"
	"github.com/cadre-oss/recall/internal/memory"
	"github.com/cadre-oss/recall/internal/memory/cache"
	"github.com/cadre-oss/recall/internal/memory/embed"
	"github.com/cadre-oss/recall/internal/memory/index"
	"github.com/cadre-oss/recall/internal/memory/ledger"
	"github.com/cadre-oss/recall/internal/memory/prefs"
	"github.com/cadre-oss/recall/internal/memory/queue"
	"github.com/cadre-oss/recall/internal/telemetry"
	"github.com/cadre-oss/recall/internal/worker"
)

// Re-exported domain types so callers do not import internal packages.
type (
	Role          = memory.Role
	Turn          = memory.Turn
	SessionMeta   = memory.SessionMeta
	Preference    = memory.Preference
	Excerpt       = memory.Excerpt
	ContextBundle = memory.ContextBundle
	QueueStats    = memory.QueueStats
)

const (
	RoleUser  = memory.RoleUser
	RoleAgent = memory.RoleAgent
	RoleTool  = memory.RoleTool
)

// Client is a fully wired memory stack: fast cache, ledger, embedding
// queue, vector index, and preference store behind one handle.
type Client struct {
	manager *memory.Manager
	sweeper *memory.Sweeper
	queue   *queue.Queue

	rdb    *redis.Client
	ledger *ledger.Store
	prefs  *prefs.Store
	index  memory.VectorIndex
	logger *telemetry.Logger
}

// Open loads recall.yaml from dir (falling back to defaults when absent)
// and connects every tier. The caller owns the Client and must Close it.
func Open(dir string) (*Client, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	metrics := telemetry.NewMetrics()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ledgerStore, err := ledger.New(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}

	prefStore, err := prefs.New(cfg.Prefs.Path, rdb, cfg.PrefCacheTTL(), metrics)
	if err != nil {
		ledgerStore.Close()
		return nil, err
	}

	var idx memory.VectorIndex
	switch cfg.Index.Backend {
	case "qdrant":
		idx = index.NewQdrant(cfg.Index.QdrantURL, cfg.Index.APIKey, cfg.Index.Collection, cfg.Embedding.Dimensions)
	default:
		idx, err = index.NewPersistentChromem(cfg.Index.Path)
		if err != nil {
			ledgerStore.Close()
			prefStore.Close()
			return nil, err
		}
	}

	jobQueue := queue.New(rdb, queue.Options{
		Stream:      cfg.Queue.Stream,
		Group:       cfg.Queue.Group,
		DeadLetter:  cfg.Queue.DeadLetter,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.BackoffBase(),
		BackoffCap:  cfg.BackoffCap(),
		Block:       cfg.QueueBlock(),
	})

	embedder := embed.NewLocal(cfg.Embedding.Dimensions)

	var runner memory.JobRunner
	if cfg.Embedding.Inline {
		runner = worker.NewProcessor(ledgerStore, idx, embedder, logger, metrics)
	}

	manager := memory.NewManager(memory.ManagerOptions{
		SessionTTL:    cfg.SessionTTL(),
		OpTimeout:     cfg.OpTimeout(),
		SearchK:       cfg.Search.K,
		MinSimilarity: float32(cfg.Search.MinSimilarity),
	}, cache.New(rdb), ledgerStore, jobQueue, idx, prefStore, embedder, runner, logger, metrics)

	return &Client{
		manager: manager,
		sweeper: memory.NewSweeper(manager, cfg.SweepInterval()),
		queue:   jobQueue,
		rdb:     rdb,
		ledger:  ledgerStore,
		prefs:   prefStore,
		index:   idx,
		logger:  logger,
	}, nil
}

// RecordTurn appends a turn to an active session, creating it on first use.
func (c *Client) RecordTurn(ctx context.Context, userID, sessionID string, role Role, content string) (Turn, error) {
	return c.manager.RecordTurn(ctx, userID, sessionID, role, content)
}

// Flush moves a session from the fast cache into the durable ledger and
// queues it for embedding.
func (c *Client) Flush(ctx context.Context, sessionID string) error {
	return c.manager.Flush(ctx, sessionID)
}

// Context assembles the live turns, relevant past excerpts (when query is
// non-empty), and preferences for the given user and session.
func (c *Client) Context(ctx context.Context, userID, sessionID, query string) (*ContextBundle, error) {
	return c.manager.RetrieveContext(ctx, userID, sessionID, query)
}

// GetPreference returns one preference for the user.
func (c *Client) GetPreference(ctx context.Context, userID, key string) (Preference, error) {
	return c.manager.GetPreference(ctx, userID, key)
}

// SetPreference stores a preference with last-write-wins semantics.
func (c *Client) SetPreference(ctx context.Context, userID, key, value string) error {
	return c.manager.SetPreference(ctx, userID, key, value)
}

// ListPreferences returns all preferences for the user.
func (c *Client) ListPreferences(ctx context.Context, userID string) ([]Preference, error) {
	return c.manager.ListPreferences(ctx, userID)
}

// ActiveSessions lists the sessions currently held in the fast cache.
func (c *Client) ActiveSessions(ctx context.Context) ([]SessionMeta, error) {
	return c.manager.ActiveSessions(ctx)
}

// QueueStats reports embedding queue depth, in-flight, and dead-letter counts.
func (c *Client) QueueStats(ctx context.Context) (QueueStats, error) {
	return c.queue.Stats(ctx)
}

// StartSweeper begins flushing idle sessions in the background. Callers
// that run a separate `recall worker` process do not need it.
func (c *Client) StartSweeper(ctx context.Context) {
	c.sweeper.Start(ctx)
}

// Drain flushes every active session, typically on shutdown.
func (c *Client) Drain(ctx context.Context) error {
	return c.manager.Drain(ctx)
}

// Close stops the sweeper and releases every backend connection.
func (c *Client) Close() error {
	c.sweeper.Stop()
	c.prefs.Close()
	c.ledger.Close()
	c.index.Close()
	c.logger.Close()
	return c.rdb.Close()
}

package cli

import (
	"fmt"
	"path/filepath"

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

// app is the composition root: every command builds its tiers through here
// so the wiring exists in exactly one place.
type app struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	rdb      *redis.Client
	cache    *cache.SessionCache
	ledger   *ledger.Store
	queue    *queue.Queue
	index    memory.VectorIndex
	prefs    *prefs.Store
	embedder memory.Embedder

	processor *worker.Processor
	manager   *memory.Manager
	sweeper   *memory.Sweeper
}

func newApp() (*app, error) {
	dir := "."
	if cfgFile != "" {
		dir = filepath.Dir(cfgFile)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger := telemetry.NewLogger(level, cfg.Logging.Format)
	if cfg.Logging.File != "" {
		if err := logger.WithFile(cfg.Logging.File); err != nil {
			return nil, err
		}
	}

	metrics := telemetry.NewMetrics()
	if cfg.Metrics.File != "" {
		exporter, err := telemetry.NewJSONFileExporter(cfg.Metrics.File)
		if err != nil {
			return nil, err
		}
		metrics.SetExporter(exporter)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	sessionCache := cache.New(rdb)

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
	processor := worker.NewProcessor(ledgerStore, idx, embedder, logger, metrics)

	var runner memory.JobRunner
	if cfg.Embedding.Inline {
		runner = processor
	}

	manager := memory.NewManager(memory.ManagerOptions{
		SessionTTL:    cfg.SessionTTL(),
		OpTimeout:     cfg.OpTimeout(),
		SearchK:       cfg.Search.K,
		MinSimilarity: float32(cfg.Search.MinSimilarity),
	}, sessionCache, ledgerStore, jobQueue, idx, prefStore, embedder, runner, logger, metrics)

	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		rdb:       rdb,
		cache:     sessionCache,
		ledger:    ledgerStore,
		queue:     jobQueue,
		index:     idx,
		prefs:     prefStore,
		embedder:  embedder,
		processor: processor,
		manager:   manager,
		sweeper:   memory.NewSweeper(manager, cfg.SweepInterval()),
	}, nil
}

func (a *app) close() {
	a.prefs.Close()
	a.ledger.Close()
	a.index.Close()
	a.rdb.Close()
	a.logger.Close()
}

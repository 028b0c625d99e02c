package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/telemetry"
)

// ManagerOptions tunes the orchestrator.
type ManagerOptions struct {
	// SessionTTL is how long a session may sit idle before the sweeper
	// flushes and evicts it.
	SessionTTL time.Duration
	// OpTimeout bounds each orchestrated operation.
	OpTimeout time.Duration
	// SearchK is how many excerpts retrieval returns at most.
	SearchK int
	// MinSimilarity is the relevance floor for excerpts.
	MinSimilarity float32
}

// Manager orchestrates the memory tiers. It owns session lifecycle
// (record, flush, evict), hands embedding work to the queue or inline
// runner, and merges all tiers into a retrieval bundle. Callers never talk
// to a tier directly.
type Manager struct {
	opts     ManagerOptions
	cache    SessionCache
	ledger   Ledger
	queue    JobQueue
	index    VectorIndex
	prefs    PreferenceStore
	embedder Embedder
	runner   JobRunner // non-nil switches flush to inline embedding
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionGate

	pendingMu sync.Mutex
	pending   map[string]EmbeddingJob
}

// NewManager wires the tiers together. queue may be nil only when runner is
// set (inline embedding); runner nil means jobs go through the queue.
func NewManager(opts ManagerOptions, cache SessionCache, ledger Ledger, queue JobQueue, index VectorIndex, prefs PreferenceStore, embedder Embedder, runner JobRunner, logger *telemetry.Logger, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		opts:     opts,
		cache:    cache,
		ledger:   ledger,
		queue:    queue,
		index:    index,
		prefs:    prefs,
		embedder: embedder,
		runner:   runner,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*sessionGate),
		pending:  make(map[string]EmbeddingJob),
	}
}

// sessionGate is a reference-counted mutex. The count lets lockSession drop
// the map entry once the last holder releases it, so the lock table does not
// grow with every session id ever seen.
type sessionGate struct {
	mu   sync.Mutex
	refs int
}

// lockSession serializes operations on one session, so a flush cannot
// interleave with a concurrent turn on the same session. The returned func
// releases the lock and prunes the table entry when no one else is waiting.
func (m *Manager) lockSession(sessionID string) func() {
	m.mu.Lock()
	g, ok := m.sessions[sessionID]
	if !ok {
		g = &sessionGate{}
		m.sessions[sessionID] = g
	}
	g.refs++
	m.mu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		m.mu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
	}
}

// ensureTrace seeds a root trace when the caller did not bring one, so
// correlation ids flow from the entry point through the queue to the worker.
func ensureTrace(ctx context.Context, userID, sessionID string) context.Context {
	if telemetry.TraceFromContext(ctx) != nil {
		return ctx
	}
	tc := telemetry.NewTraceContext().WithSession(userID, sessionID)
	return telemetry.ContextWithTrace(ctx, tc)
}

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.opts.OpTimeout)
}

// RecordTurn appends a turn to the session's live window. The session is
// created implicitly on its first turn.
func (m *Manager) RecordTurn(ctx context.Context, userID, sessionID string, role Role, content string) (Turn, error) {
	unlock := m.lockSession(sessionID)
	defer unlock()

	ctx = ensureTrace(ctx, userID, sessionID)
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	known := true
	if _, err := m.cache.Meta(ctx, sessionID); recallerrors.IsNotFound(err) {
		known = false
	}

	turn, err := m.cache.Put(ctx, userID, sessionID, role, content)
	if err != nil {
		return Turn{}, err
	}

	m.metrics.IncTurnsRecorded()
	if !known {
		m.metrics.AddActiveSessions(1)
	}
	m.logger.WithTrace(ctx).Debug("turn recorded",
		"session", sessionID, "seq", turn.Seq, "role", string(role))
	return turn, nil
}

// Flush moves the session's turns into the durable ledger, hands off the
// embedding job, and evicts the session from the cache. Flushing an
// unknown or empty session is a no-op. If the ledger write fails the
// session stays in the cache untouched; if only the embedding hand-off
// fails, the turns are already durable, the job is parked for the sweeper,
// and the error reports the degraded hand-off.
func (m *Manager) Flush(ctx context.Context, sessionID string) error {
	unlock := m.lockSession(sessionID)
	defer unlock()

	ctx = ensureTrace(ctx, "", sessionID)
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	meta, err := m.cache.Meta(ctx, sessionID)
	if recallerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	turns, err := m.cache.Read(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		if err := m.cache.Evict(ctx, sessionID); err != nil {
			return err
		}
		m.metrics.AddActiveSessions(-1)
		return nil
	}

	rec, err := m.ledger.Append(ctx, ConversationRecord{
		UserID:    meta.UserID,
		SessionID: sessionID,
		Turns:     turns,
		Summary:   BuildSummary(turns),
		FlushedAt: time.Now().UTC(),
	})
	if err != nil {
		m.metrics.IncFlushFailures()
		return err
	}

	var traceID string
	if tc := telemetry.TraceFromContext(ctx); tc != nil {
		traceID = tc.TraceID
	}
	job := NewEmbeddingJob(&rec, traceID)
	dispatchErr := m.dispatch(ctx, job)
	if dispatchErr != nil {
		m.park(job)
	}

	// The record is durable; the cache copy can go even if the embedding
	// hand-off failed.
	if err := m.cache.Evict(ctx, sessionID); err != nil {
		return err
	}

	m.metrics.IncSessionsFlushed()
	m.metrics.AddActiveSessions(-1)
	m.metrics.Emit("session.flushed", map[string]string{
		"session": sessionID,
		"user":    meta.UserID,
	})
	m.logger.WithTrace(ctx).Info("session flushed",
		"session", sessionID, "version", rec.Version, "turns", len(turns))

	if dispatchErr != nil {
		return recallerrors.Wrap(recallerrors.CodeQueueUnavailable,
			fmt.Sprintf("session %s flushed durably but embedding hand-off failed", sessionID),
			dispatchErr).
			WithSuggestion("the job is parked and retried automatically; no turns were lost")
	}
	return nil
}

// dispatch hands an embedding job to the inline runner or the queue.
func (m *Manager) dispatch(ctx context.Context, job EmbeddingJob) error {
	if m.runner != nil {
		if err := m.runner.Run(ctx, job); err != nil {
			return err
		}
		m.metrics.IncJobsProcessed()
		return nil
	}
	if m.queue == nil {
		return recallerrors.New(recallerrors.CodeQueueUnavailable, "no job queue configured")
	}
	if err := m.queue.Enqueue(ctx, job); err != nil {
		return err
	}
	m.metrics.IncJobsEnqueued()
	return nil
}

func (m *Manager) park(job EmbeddingJob) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pending[job.ID] = job
	m.logger.Warn("embedding job parked for retry", "job", job.ID)
}

// PendingJobs returns how many jobs are parked awaiting a dispatch retry.
func (m *Manager) PendingJobs() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// retryPending re-dispatches parked jobs. Called from the sweeper.
func (m *Manager) retryPending(ctx context.Context) {
	m.pendingMu.Lock()
	jobs := make([]EmbeddingJob, 0, len(m.pending))
	for _, job := range m.pending {
		jobs = append(jobs, job)
	}
	m.pendingMu.Unlock()

	for _, job := range jobs {
		if err := m.dispatch(ctx, job); err != nil {
			m.logger.Debug("parked job still undeliverable", "job", job.ID, "error", err)
			continue
		}
		m.pendingMu.Lock()
		delete(m.pending, job.ID)
		m.pendingMu.Unlock()
		m.logger.Info("parked embedding job dispatched", "job", job.ID)
	}
}

// RetrieveContext merges the live session, semantically relevant excerpts
// from past conversations, and the user's preferences into one bundle.
// Vector-tier trouble degrades the bundle to live context and preferences
// instead of failing the call; empty results are normal, not errors.
func (m *Manager) RetrieveContext(ctx context.Context, userID, sessionID, query string) (*ContextBundle, error) {
	ctx = ensureTrace(ctx, userID, sessionID)
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	bundle := &ContextBundle{
		UserID:      userID,
		SessionID:   sessionID,
		Live:        []Turn{},
		Excerpts:    []Excerpt{},
		Preferences: map[string]string{},
	}

	live, err := m.cache.Read(ctx, sessionID)
	if err != nil && !recallerrors.IsNotFound(err) {
		return nil, err
	}
	bundle.Live = live
	if bundle.Live == nil {
		bundle.Live = []Turn{}
	}

	if prefs, err := m.prefs.List(ctx, userID); err != nil {
		m.logger.WithTrace(ctx).Warn("preference lookup degraded", "error", err)
	} else {
		for _, pref := range prefs {
			bundle.Preferences[pref.Key] = pref.Value
		}
	}

	if query != "" {
		bundle.Excerpts = m.searchExcerpts(ctx, userID, sessionID, query, bundle.Live)
	}
	return bundle, nil
}

// searchExcerpts runs the semantic search leg. Over-fetches so that hits
// dropped by live-wins dedupe still leave k results.
func (m *Manager) searchExcerpts(ctx context.Context, userID, sessionID, query string, live []Turn) []Excerpt {
	log := m.logger.WithTrace(ctx)

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		log.Warn("query embedding failed, retrieval degraded to live context", "error", err)
		return []Excerpt{}
	}

	start := time.Now()
	m.metrics.IncSearches()
	hits, err := m.index.Search(ctx, userID, vector, m.opts.SearchK*2, m.opts.MinSimilarity)
	if err != nil {
		m.metrics.IncSearchFailures()
		log.Warn("vector search failed, retrieval degraded to live context", "error", err)
		return []Excerpt{}
	}
	m.metrics.RecordSearchDuration(time.Since(start))

	var liveFirst, liveLast int64
	if len(live) > 0 {
		liveFirst = live[0].Seq
		liveLast = live[len(live)-1].Seq
	}

	excerpts := make([]Excerpt, 0, m.opts.SearchK)
	seen := make(map[string]bool)
	for _, hit := range hits {
		if len(excerpts) >= m.opts.SearchK {
			break
		}
		// Live wins: drop excerpts of the active session whose turn range
		// overlaps what the caller already sees live.
		if hit.Record.SessionID == sessionID && len(live) > 0 &&
			hit.Record.FirstSeq <= liveLast && hit.Record.LastSeq >= liveFirst {
			continue
		}
		key := JobID(hit.Record.SessionID, hit.Record.Version)
		if seen[key] {
			continue
		}
		seen[key] = true

		text := hit.Record.Excerpt
		if rec, err := m.ledger.GetVersion(ctx, userID, hit.Record.SessionID, hit.Record.Version); err == nil {
			text = rec.Summary
		} else {
			log.Debug("ledger resolve failed, using index excerpt",
				"session", hit.Record.SessionID, "version", hit.Record.Version, "error", err)
		}

		excerpts = append(excerpts, Excerpt{
			SessionID: hit.Record.SessionID,
			Version:   hit.Record.Version,
			Text:      text,
			Score:     hit.Score,
			FirstSeq:  hit.Record.FirstSeq,
			LastSeq:   hit.Record.LastSeq,
		})
	}
	return excerpts
}

// GetPreference reads one preference through the cached store.
func (m *Manager) GetPreference(ctx context.Context, userID, key string) (Preference, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.prefs.Get(ctx, userID, key)
}

// SetPreference writes a preference stamped with the current time.
func (m *Manager) SetPreference(ctx context.Context, userID, key, value string) error {
	return m.SetPreferenceAt(ctx, userID, key, value, time.Now().UTC())
}

// SetPreferenceAt writes a preference with an explicit timestamp, applying
// last-write-wins against the stored value.
func (m *Manager) SetPreferenceAt(ctx context.Context, userID, key, value string, ts time.Time) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.prefs.Set(ctx, userID, key, value, ts)
}

// ListPreferences returns all of a user's preferences.
func (m *Manager) ListPreferences(ctx context.Context, userID string) ([]Preference, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()
	return m.prefs.List(ctx, userID)
}

// ActiveSessions lists the sessions currently in the fast cache.
func (m *Manager) ActiveSessions(ctx context.Context) ([]SessionMeta, error) {
	return m.cache.Sessions(ctx)
}

// Drain flushes every active session. Used on shutdown so nothing is left
// only in the volatile cache.
func (m *Manager) Drain(ctx context.Context) error {
	sessions, err := m.cache.Sessions(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, meta := range sessions {
		if err := m.Flush(ctx, meta.SessionID); err != nil {
			m.logger.Error("drain flush failed", "session", meta.SessionID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

package memory

import (
	"context"
	"fmt"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// SessionState tracks which tier owns a session's turns.
type SessionState string

const (
	// SessionActive means the fast session cache owns the turns.
	SessionActive SessionState = "active"
	// SessionFlushed means ownership transferred to the conversation ledger.
	SessionFlushed SessionState = "flushed"
)

// Turn is a single conversation exchange entry. Immutable once written;
// Seq is unique and strictly increasing within its session.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionMeta is the bookkeeping record for a session in the fast cache.
type SessionMeta struct {
	SessionID  string       `json:"session_id"`
	UserID     string       `json:"user_id"`
	State      SessionState `json:"state"`
	LastActive time.Time    `json:"last_active"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ConversationRecord is the durable materialization of a flushed session.
// Append-only: reopening and re-flushing a session creates a new record with
// the next Version, never an update.
type ConversationRecord struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	Turns     []Turn    `json:"turns"`
	Summary   string    `json:"summary"`
	FlushedAt time.Time `json:"flushed_at"`
}

// JobID derives the deterministic embedding-job identifier for a session
// flush. The same (session, version) pair always produces the same id, so
// redelivered jobs upsert the same vector record instead of duplicating it.
func JobID(sessionID string, version int64) string {
	return fmt.Sprintf("%s:v%d", sessionID, version)
}

// JobID returns the record's idempotency key.
func (r *ConversationRecord) JobID() string {
	return JobID(r.SessionID, r.Version)
}

// FirstSeq returns the sequence number of the record's first turn, or 0.
func (r *ConversationRecord) FirstSeq() int64 {
	if len(r.Turns) == 0 {
		return 0
	}
	return r.Turns[0].Seq
}

// LastSeq returns the sequence number of the record's last turn, or 0.
func (r *ConversationRecord) LastSeq() int64 {
	if len(r.Turns) == 0 {
		return 0
	}
	return r.Turns[len(r.Turns)-1].Seq
}

// EmbeddingJob asks a worker to embed one conversation record.
type EmbeddingJob struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	Version    int64     `json:"version"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	TraceID    string    `json:"trace_id,omitempty"`

	// Attempt is the delivery count, set by the queue on dequeue.
	Attempt int `json:"-"`
	// Receipt is the broker acknowledgment handle, set by the queue.
	Receipt string `json:"-"`
}

// NewEmbeddingJob creates the job for a just-appended conversation record.
func NewEmbeddingJob(rec *ConversationRecord, traceID string) EmbeddingJob {
	return EmbeddingJob{
		ID:         rec.JobID(),
		UserID:     rec.UserID,
		SessionID:  rec.SessionID,
		Version:    rec.Version,
		EnqueuedAt: time.Now().UTC(),
		TraceID:    traceID,
	}
}

// VectorRecord is one embedded conversation segment in the vector index.
// Written once per job id; redelivery must not create a duplicate.
type VectorRecord struct {
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	Vector    []float32 `json:"vector,omitempty"`
	Excerpt   string    `json:"excerpt"`
	FirstSeq  int64     `json:"first_seq"`
	LastSeq   int64     `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchHit pairs a vector record with its similarity score.
type SearchHit struct {
	Record VectorRecord
	Score  float32
}

// Preference is a durable user preference. Mutable, last-write-wins.
type Preference struct {
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Excerpt is a semantically matched fragment of a past conversation,
// resolved back to ledger text.
type Excerpt struct {
	SessionID string  `json:"session_id"`
	Version   int64   `json:"version"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
	FirstSeq  int64   `json:"first_seq"`
	LastSeq   int64   `json:"last_seq"`
}

// ContextBundle is the merged retrieval result: the live session's turns,
// relevant excerpts from other sessions, and the user's preferences.
// Ephemeral; returned to the caller, never stored.
type ContextBundle struct {
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id"`
	Live        []Turn            `json:"live"`
	Excerpts    []Excerpt         `json:"excerpts"`
	Preferences map[string]string `json:"preferences"`
}

// SessionCache is the fast, bounded-lifetime tier holding active sessions.
// Nothing here is durable: the cache never evicts on its own, it only
// reports expired sessions so the orchestrator can flush first.
type SessionCache interface {
	// Put appends a turn, assigning the next sequence number, and refreshes
	// the session's activity clock. A previously unknown session is created
	// implicitly.
	Put(ctx context.Context, userID, sessionID string, role Role, content string) (Turn, error)

	// Read returns the session's turns in sequence order. It does not
	// refresh the activity clock.
	Read(ctx context.Context, sessionID string) ([]Turn, error)

	// Meta returns the session's bookkeeping record.
	Meta(ctx context.Context, sessionID string) (SessionMeta, error)

	// Expired returns sessions whose last activity is before cutoff.
	Expired(ctx context.Context, cutoff time.Time) ([]SessionMeta, error)

	// Sessions lists all active sessions.
	Sessions(ctx context.Context) ([]SessionMeta, error)

	// Evict removes a session. Callers must only evict after the session's
	// turns are durable in the ledger.
	Evict(ctx context.Context, sessionID string) error

	Close() error
}

// Ledger is the durable, append-only conversation store.
type Ledger interface {
	// Append writes a new record, assigning the next version for the
	// session. It never overwrites earlier records.
	Append(ctx context.Context, rec ConversationRecord) (ConversationRecord, error)

	// Get returns the most recent record for the session.
	Get(ctx context.Context, userID, sessionID string) (ConversationRecord, error)

	// GetVersion returns one specific flush of the session.
	GetVersion(ctx context.Context, userID, sessionID string, version int64) (ConversationRecord, error)

	// ListRecent returns the user's records, newest first.
	ListRecent(ctx context.Context, userID string, limit int) ([]ConversationRecord, error)

	Close() error
}

// JobQueue is the durable, at-least-once embedding job queue.
type JobQueue interface {
	// Enqueue durably adds a job. Fire-and-forget relative to the
	// conversation path: it returns once the broker has the job.
	Enqueue(ctx context.Context, job EmbeddingJob) error

	// Dequeue returns one job marked in-flight for this consumer, or nil
	// when none became available within the queue's block window. Stale
	// in-flight jobs from crashed consumers are reclaimed once their
	// backoff window has passed.
	Dequeue(ctx context.Context, consumer string) (*EmbeddingJob, error)

	// Ack confirms successful processing and removes the job.
	Ack(ctx context.Context, job *EmbeddingJob) error

	// Nack leaves the job in-flight; it is redelivered after a backoff
	// derived from its delivery count.
	Nack(ctx context.Context, job *EmbeddingJob) error

	// DeadLetter moves a job that exhausted its retry budget to the
	// dead-letter stream. It is never retried automatically again.
	DeadLetter(ctx context.Context, job *EmbeddingJob, reason string) error

	// Stats returns queue depth, in-flight count, and dead-letter count.
	Stats(ctx context.Context) (QueueStats, error)

	// DeadLetters lists dead-lettered jobs, oldest first.
	DeadLetters(ctx context.Context, limit int64) ([]DeadJob, error)

	// RequeueDead moves all dead-lettered jobs back onto the main stream.
	RequeueDead(ctx context.Context) (int, error)

	Close() error
}

// QueueStats is a point-in-time view of the job queue.
type QueueStats struct {
	Depth      int64 `json:"depth"`
	InFlight   int64 `json:"in_flight"`
	DeadLetter int64 `json:"dead_letter"`
}

// DeadJob is a dead-lettered job with its failure reason.
type DeadJob struct {
	Job      EmbeddingJob `json:"job"`
	Reason   string       `json:"reason"`
	FailedAt time.Time    `json:"failed_at"`
}

// VectorIndex is nearest-neighbor search over embedded segments.
// Search is a hard tenant boundary: only the given user's records are
// ever returned.
type VectorIndex interface {
	// Upsert writes a record keyed by job id. Upserting the same job id
	// twice leaves exactly one record.
	Upsert(ctx context.Context, rec VectorRecord) error

	// Search returns up to k hits for the user, descending by similarity,
	// ties broken by newer creation time. An empty index yields an empty
	// result, not an error.
	Search(ctx context.Context, userID string, vector []float32, k int, minScore float32) ([]SearchHit, error)

	// Count returns how many records the user has in the index.
	Count(ctx context.Context, userID string) (int, error)

	Close() error
}

// PreferenceStore is the durable preference tier with a read-through cache.
type PreferenceStore interface {
	// Get tries the cache first; on a miss it reads the durable store and
	// populates the cache.
	Get(ctx context.Context, userID, key string) (Preference, error)

	// List returns all of the user's preferences from the durable store.
	List(ctx context.Context, userID string) ([]Preference, error)

	// Set writes durably first, then invalidates the cached entry. A write
	// whose timestamp is older than the stored value is a no-op and
	// returns a STALE_WRITE error.
	Set(ctx context.Context, userID, key, value string, ts time.Time) error

	Close() error
}

// Embedder converts text to vector embeddings. The LLM-backed client lives
// outside this subsystem; implementations here only need to be deterministic
// per input.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// JobRunner processes one embedding job end to end. The worker pool is the
// asynchronous runner; the same implementation runs synchronously during
// flush when inline embedding is configured.
type JobRunner interface {
	Run(ctx context.Context, job EmbeddingJob) error
}

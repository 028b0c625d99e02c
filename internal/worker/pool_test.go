package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
	"github.com/cadre-oss/recall/internal/memory/embed"
	"github.com/cadre-oss/recall/internal/memory/index"
	"github.com/cadre-oss/recall/internal/memory/ledger"
	"github.com/cadre-oss/recall/internal/telemetry"
)

func newTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func appendRecord(t *testing.T, store *ledger.Store, sessionID string) memory.ConversationRecord {
	t.Helper()
	rec, err := store.Append(context.Background(), memory.ConversationRecord{
		UserID:    "user-1",
		SessionID: sessionID,
		Turns: []memory.Turn{
			{Role: memory.RoleUser, Content: "how do I tune redis?", Seq: 1},
			{Role: memory.RoleAgent, Content: "start with maxmemory-policy", Seq: 2},
		},
		Summary: "Q: how do I tune redis?\nA: start with maxmemory-policy",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return rec
}

func newProcessor(t *testing.T, store *ledger.Store, idx memory.VectorIndex) *Processor {
	t.Helper()
	logger := telemetry.NewLogger("error", "text")
	return NewProcessor(store, idx, embed.NewLocal(8), logger, telemetry.NewMetrics())
}

func TestProcessor_Run_EmbedsAndIndexes(t *testing.T) {
	store := newTestLedger(t)
	idx := index.NewChromem()
	proc := newProcessor(t, store, idx)
	ctx := context.Background()

	rec := appendRecord(t, store, "sess-1")
	job := memory.NewEmbeddingJob(&rec, "")

	if err := proc.Run(ctx, job); err != nil {
		t.Fatalf("run: %v", err)
	}

	count, _ := idx.Count(ctx, "user-1")
	if count != 1 {
		t.Fatalf("expected 1 vector record, got %d", count)
	}

	// Redelivery must not duplicate.
	if err := proc.Run(ctx, job); err != nil {
		t.Fatalf("re-run: %v", err)
	}
	count, _ = idx.Count(ctx, "user-1")
	if count != 1 {
		t.Errorf("redelivered job duplicated the record: %d", count)
	}
}

func TestProcessor_Run_MissingRecordIsPermanent(t *testing.T) {
	store := newTestLedger(t)
	proc := newProcessor(t, store, index.NewChromem())

	job := memory.EmbeddingJob{ID: "ghost:v1", UserID: "user-1", SessionID: "ghost", Version: 1}
	err := proc.Run(context.Background(), job)
	if err == nil {
		t.Fatal("expected error for missing record")
	}
	if !permanent(err) {
		t.Errorf("missing record should be a permanent failure: %v", err)
	}
}

// fakeQueue drives the pool deterministically: Nack makes the job
// immediately redeliverable with an incremented attempt count.
type fakeQueue struct {
	mu       sync.Mutex
	ready    []memory.EmbeddingJob
	attempts map[string]int
	acked    []string
	dead     []memory.DeadJob
}

func newFakeQueue(jobs ...memory.EmbeddingJob) *fakeQueue {
	return &fakeQueue{ready: jobs, attempts: make(map[string]int)}
}

func (f *fakeQueue) Enqueue(ctx context.Context, job memory.EmbeddingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, job)
	return nil
}

func (f *fakeQueue) Dequeue(ctx context.Context, consumer string) (*memory.EmbeddingJob, error) {
	f.mu.Lock()
	if len(f.ready) == 0 {
		f.mu.Unlock()
		// Simulate the broker's block window so the pool does not spin.
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	job := f.ready[0]
	f.ready = f.ready[1:]
	f.attempts[job.ID]++
	job.Attempt = f.attempts[job.ID]
	job.Receipt = job.ID
	f.mu.Unlock()
	return &job, nil
}

func (f *fakeQueue) Ack(ctx context.Context, job *memory.EmbeddingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, job.ID)
	return nil
}

func (f *fakeQueue) Nack(ctx context.Context, job *memory.EmbeddingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	redelivery := *job
	redelivery.Attempt = 0
	redelivery.Receipt = ""
	f.ready = append(f.ready, redelivery)
	return nil
}

func (f *fakeQueue) DeadLetter(ctx context.Context, job *memory.EmbeddingJob, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = append(f.dead, memory.DeadJob{Job: *job, Reason: reason, FailedAt: time.Now()})
	return nil
}

func (f *fakeQueue) Stats(ctx context.Context) (memory.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return memory.QueueStats{Depth: int64(len(f.ready)), DeadLetter: int64(len(f.dead))}, nil
}

func (f *fakeQueue) DeadLetters(ctx context.Context, limit int64) ([]memory.DeadJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]memory.DeadJob(nil), f.dead...), nil
}

func (f *fakeQueue) RequeueDead(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeQueue) Close() error                                 { return nil }

func (f *fakeQueue) deadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dead)
}

func (f *fakeQueue) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

// failingIndex rejects every upsert.
type failingIndex struct{}

func (failingIndex) Upsert(ctx context.Context, rec memory.VectorRecord) error {
	return recallerrors.New(recallerrors.CodeIndexUnavailable, "index down")
}
func (failingIndex) Search(ctx context.Context, userID string, vector []float32, k int, minScore float32) ([]memory.SearchHit, error) {
	return nil, nil
}
func (failingIndex) Count(ctx context.Context, userID string) (int, error) { return 0, nil }
func (failingIndex) Close() error                                          { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	store := newTestLedger(t)
	idx := index.NewChromem()
	rec := appendRecord(t, store, "sess-1")

	q := newFakeQueue(memory.NewEmbeddingJob(&rec, "trace-1"))
	logger := telemetry.NewLogger("error", "text")
	metrics := telemetry.NewMetrics()
	pool := NewPool(q, NewProcessor(store, idx, embed.NewLocal(8), logger, metrics), 2, 3, logger, metrics)

	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, func() bool { return q.ackCount() == 1 })

	count, _ := idx.Count(context.Background(), "user-1")
	if count != 1 {
		t.Errorf("vector not indexed: count=%d", count)
	}
	if metrics.GetSummary()["jobs_processed"].(int64) != 1 {
		t.Error("processed counter not incremented")
	}
}

func TestPool_DeadLettersAfterRetryBudget(t *testing.T) {
	store := newTestLedger(t)
	rec := appendRecord(t, store, "sess-1")

	q := newFakeQueue(memory.NewEmbeddingJob(&rec, ""))
	logger := telemetry.NewLogger("error", "text")
	metrics := telemetry.NewMetrics()
	pool := NewPool(q, NewProcessor(store, failingIndex{}, embed.NewLocal(8), logger, metrics), 1, 3, logger, metrics)

	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, func() bool { return q.deadCount() == 1 })

	dead, _ := q.DeadLetters(context.Background(), 10)
	if dead[0].Job.ID != rec.JobID() {
		t.Errorf("wrong job dead-lettered: %s", dead[0].Job.ID)
	}
	if dead[0].Reason == "" {
		t.Error("dead-letter reason missing")
	}
	if got := metrics.GetSummary()["jobs_retried"].(int64); got != 2 {
		t.Errorf("expected 2 retries before dead-letter, got %d", got)
	}
	if q.ackCount() != 0 {
		t.Error("failed job must not be acked as processed")
	}
}

func TestPool_DeadLettersMissingRecordImmediately(t *testing.T) {
	store := newTestLedger(t)

	job := memory.EmbeddingJob{ID: "ghost:v1", UserID: "user-1", SessionID: "ghost", Version: 1}
	q := newFakeQueue(job)
	logger := telemetry.NewLogger("error", "text")
	metrics := telemetry.NewMetrics()
	pool := NewPool(q, NewProcessor(store, index.NewChromem(), embed.NewLocal(8), logger, metrics), 1, 5, logger, metrics)

	pool.Start(context.Background())
	defer pool.Stop()

	waitFor(t, func() bool { return q.deadCount() == 1 })

	if got := metrics.GetSummary()["jobs_retried"].(int64); got != 0 {
		t.Errorf("permanent failure should not be retried, got %d retries", got)
	}
}

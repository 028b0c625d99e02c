// Package index implements nearest-neighbor search over embedded
// conversation segments. Two backends are provided: an embedded chromem
// store for single-process deployments and tests, and a Qdrant HTTP adapter
// for shared deployments. Both enforce the per-user tenant boundary and
// idempotent upsert by job id.
package index

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
)

// ChromemIndex is the embedded vector backend. Each user gets their own
// collection, which makes the tenant boundary structural rather than a
// filter that could be forgotten.
type ChromemIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromem creates an in-process vector index.
func NewChromem() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

// NewPersistentChromem creates a vector index persisted under dir, so
// one-shot invocations see the vectors written by earlier runs.
func NewPersistentChromem(dir string) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, recallerrors.Wrap(recallerrors.CodeIndexUnavailable, "open persistent index", err)
	}
	return &ChromemIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *ChromemIndex) collection(userID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}

	col, err := s.db.GetOrCreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, recallerrors.Wrap(recallerrors.CodeIndexUnavailable, "create collection", err)
	}
	s.collections[userID] = col
	return col, nil
}

// Upsert writes the record keyed by job id. A redelivered job deletes any
// earlier document with the same id first, so the index ends up with
// exactly one record per flush no matter how often the job ran.
func (s *ChromemIndex) Upsert(ctx context.Context, rec memory.VectorRecord) error {
	col, err := s.collection(rec.UserID)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, nil, nil, rec.JobID); err != nil {
		return recallerrors.Wrap(recallerrors.CodeIndexUnavailable, "replace document "+rec.JobID, err)
	}

	doc := chromem.Document{
		ID:        rec.JobID,
		Content:   rec.Excerpt,
		Embedding: rec.Vector,
		Metadata: map[string]string{
			"user_id":    rec.UserID,
			"session_id": rec.SessionID,
			"version":    strconv.FormatInt(rec.Version, 10),
			"first_seq":  strconv.FormatInt(rec.FirstSeq, 10),
			"last_seq":   strconv.FormatInt(rec.LastSeq, 10),
			"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return recallerrors.Wrap(recallerrors.CodeIndexUnavailable, "add document "+rec.JobID, err)
	}
	return nil
}

// Search returns up to k hits above minScore, best first, ties broken by
// newer records. An empty collection is an empty result, never an error.
func (s *ChromemIndex) Search(ctx context.Context, userID string, vector []float32, k int, minScore float32) ([]memory.SearchHit, error) {
	col, err := s.collection(userID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	n := k
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, recallerrors.Wrap(recallerrors.CodeIndexUnavailable, "query collection", err)
	}

	hits := make([]memory.SearchHit, 0, len(results))
	for _, res := range results {
		if res.Similarity < minScore {
			continue
		}
		hits = append(hits, memory.SearchHit{
			Record: recordFromChromem(userID, res),
			Score:  res.Similarity,
		})
	}
	sortHits(hits)
	return hits, nil
}

// Count returns how many records the user has in the index.
func (s *ChromemIndex) Count(ctx context.Context, userID string) (int, error) {
	col, err := s.collection(userID)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

func (s *ChromemIndex) Close() error {
	return nil
}

func recordFromChromem(userID string, res chromem.Result) memory.VectorRecord {
	rec := memory.VectorRecord{
		JobID:     res.ID,
		UserID:    userID,
		SessionID: res.Metadata["session_id"],
		Excerpt:   res.Content,
	}
	rec.Version, _ = strconv.ParseInt(res.Metadata["version"], 10, 64)
	rec.FirstSeq, _ = strconv.ParseInt(res.Metadata["first_seq"], 10, 64)
	rec.LastSeq, _ = strconv.ParseInt(res.Metadata["last_seq"], 10, 64)
	if ts, err := time.Parse(time.RFC3339Nano, res.Metadata["created_at"]); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}

// sortHits orders by descending score, newer record first on equal scores.
func sortHits(hits []memory.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.CreatedAt.After(hits[j].Record.CreatedAt)
	})
}

var _ memory.VectorIndex = (*ChromemIndex)(nil)

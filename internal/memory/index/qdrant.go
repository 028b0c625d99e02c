package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
)

// QdrantIndex stores vectors in a shared Qdrant collection over its HTTP
// API. Tenant isolation is a mandatory user_id payload filter on every
// search and count.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	collection string
	dimensions int
	httpClient *http.Client

	mu      sync.Mutex
	ensured bool
}

// NewQdrant creates a Qdrant-backed index. The collection is created lazily
// on first write so construction does not require a live server.
func NewQdrant(baseURL, apiKey, collection string, dimensions int) *QdrantIndex {
	return &QdrantIndex{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// pointID derives the deterministic Qdrant point id for a job. Qdrant only
// accepts UUIDs or integers as ids, so the job id is mapped through UUIDv5;
// the original id travels in the payload.
func pointID(jobID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(jobID)).String()
}

func (s *QdrantIndex) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, unavailable("request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("failed to read response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, unavailable(fmt.Sprintf("status %d: %s", resp.StatusCode, respBody), nil)
	}
	return respBody, nil
}

func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	path := "/collections/" + s.collection
	if _, err := s.doRequest(ctx, http.MethodGet, path, nil); err == nil {
		s.ensured = true
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     s.dimensions,
			"distance": "Cosine",
		},
	}
	if _, err := s.doRequest(ctx, http.MethodPut, path, body); err != nil {
		return err
	}
	s.ensured = true
	return nil
}

// Upsert writes the record. Qdrant's point upsert replaces any existing
// point with the same id, which gives the per-job idempotency directly.
func (s *QdrantIndex) Upsert(ctx context.Context, rec memory.VectorRecord) error {
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	body := map[string]interface{}{
		"points": []map[string]interface{}{{
			"id":     pointID(rec.JobID),
			"vector": rec.Vector,
			"payload": map[string]interface{}{
				"job_id":     rec.JobID,
				"user_id":    rec.UserID,
				"session_id": rec.SessionID,
				"version":    rec.Version,
				"excerpt":    rec.Excerpt,
				"first_seq":  rec.FirstSeq,
				"last_seq":   rec.LastSeq,
				"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
			},
		}},
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", s.collection)
	if _, err := s.doRequest(ctx, http.MethodPut, path, body); err != nil {
		return err
	}
	return nil
}

type qdrantSearchResponse struct {
	Result []struct {
		Score   float32                    `json:"score"`
		Payload map[string]json.RawMessage `json:"payload"`
	} `json:"result"`
}

// Search queries the collection with a hard user_id filter.
func (s *QdrantIndex) Search(ctx context.Context, userID string, vector []float32, k int, minScore float32) ([]memory.SearchHit, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"vector":          vector,
		"limit":           k,
		"score_threshold": minScore,
		"with_payload":    true,
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{{
				"key":   "user_id",
				"match": map[string]interface{}{"value": userID},
			}},
		},
	}

	path := fmt.Sprintf("/collections/%s/points/search", s.collection)
	respBody, err := s.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}

	var parsed qdrantSearchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, unavailable("failed to decode search response", err)
	}

	hits := make([]memory.SearchHit, 0, len(parsed.Result))
	for _, res := range parsed.Result {
		rec := recordFromPayload(res.Payload)
		if rec.UserID != userID {
			// The filter should make this impossible; never return
			// another tenant's record regardless.
			continue
		}
		hits = append(hits, memory.SearchHit{Record: rec, Score: res.Score})
	}
	sortHits(hits)
	return hits, nil
}

// Count returns the user's point count via an exact filtered count.
func (s *QdrantIndex) Count(ctx context.Context, userID string) (int, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return 0, err
	}

	body := map[string]interface{}{
		"exact": true,
		"filter": map[string]interface{}{
			"must": []map[string]interface{}{{
				"key":   "user_id",
				"match": map[string]interface{}{"value": userID},
			}},
		},
	}

	path := fmt.Sprintf("/collections/%s/points/count", s.collection)
	respBody, err := s.doRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return 0, err
	}

	var parsed struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return 0, unavailable("failed to decode count response", err)
	}
	return parsed.Result.Count, nil
}

func (s *QdrantIndex) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func recordFromPayload(payload map[string]json.RawMessage) memory.VectorRecord {
	str := func(key string) string {
		var v string
		if raw, ok := payload[key]; ok {
			_ = json.Unmarshal(raw, &v)
		}
		return v
	}
	num := func(key string) int64 {
		if raw, ok := payload[key]; ok {
			if v, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				return v
			}
		}
		return 0
	}

	rec := memory.VectorRecord{
		JobID:     str("job_id"),
		UserID:    str("user_id"),
		SessionID: str("session_id"),
		Version:   num("version"),
		Excerpt:   str("excerpt"),
		FirstSeq:  num("first_seq"),
		LastSeq:   num("last_seq"),
	}
	if ts, err := time.Parse(time.RFC3339Nano, str("created_at")); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}

func unavailable(msg string, err error) error {
	return recallerrors.Wrap(recallerrors.CodeIndexUnavailable, "vector index: "+msg, err).
		WithSuggestion("check the vector backend; retrieval degrades to live context until it returns")
}

var _ memory.VectorIndex = (*QdrantIndex)(nil)

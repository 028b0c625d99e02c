package index

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestQdrant_UpsertSendsDeterministicPointID(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/conversations":
			fmt.Fprint(w, `{"result": {"status": "green"}}`)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/conversations/points":
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				t.Errorf("bad upsert body: %v", err)
			}
			fmt.Fprint(w, `{"result": {"status": "acknowledged"}}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	idx := NewQdrant(srv.URL, "", "conversations", 4)
	rec := testVectorRecord("sess-1:v2", "user-1", "sess-1", 2, vec(1, 0, 0))
	if err := idx.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	points := captured["points"].([]interface{})
	point := points[0].(map[string]interface{})

	id := point["id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("point id is not a uuid: %s", id)
	}
	if id != pointID("sess-1:v2") {
		t.Error("point id not deterministic for the job id")
	}

	payload := point["payload"].(map[string]interface{})
	if payload["job_id"] != "sess-1:v2" || payload["user_id"] != "user-1" {
		t.Errorf("payload identity fields wrong: %+v", payload)
	}
}

func TestQdrant_SearchFiltersOnUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/collections/"):
			fmt.Fprint(w, `{"result": {"status": "green"}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/collections/conversations/points/search":
			var body map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("bad search body: %v", err)
			}
			filter := body["filter"].(map[string]interface{})
			must := filter["must"].([]interface{})
			clause := must[0].(map[string]interface{})
			if clause["key"] != "user_id" {
				t.Errorf("search not filtered on user_id: %+v", clause)
			}
			if body["score_threshold"].(float64) < 0.39 {
				t.Errorf("score threshold not forwarded: %v", body["score_threshold"])
			}
			fmt.Fprint(w, `{"result": [
				{"score": 0.91, "payload": {
					"job_id": "sess-9:v1", "user_id": "user-1", "session_id": "sess-9",
					"version": 1, "excerpt": "Q: hi\nA: hello", "first_seq": 1, "last_seq": 4,
					"created_at": "2026-08-01T10:00:00Z"
				}}
			]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	idx := NewQdrant(srv.URL, "", "conversations", 4)
	hits, err := idx.Search(context.Background(), "user-1", vec(1, 0, 0), 6, 0.40)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	hit := hits[0]
	if hit.Score != 0.91 {
		t.Errorf("score lost: %v", hit.Score)
	}
	if hit.Record.JobID != "sess-9:v1" || hit.Record.Version != 1 || hit.Record.LastSeq != 4 {
		t.Errorf("payload not decoded: %+v", hit.Record)
	}
}

func TestQdrant_SearchDropsForeignTenantRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"result": {}}`)
			return
		}
		fmt.Fprint(w, `{"result": [
			{"score": 0.9, "payload": {"job_id": "x:v1", "user_id": "someone-else"}}
		]}`)
	}))
	defer srv.Close()

	idx := NewQdrant(srv.URL, "", "conversations", 4)
	hits, err := idx.Search(context.Background(), "user-1", vec(1, 0, 0), 6, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("foreign tenant row returned: %+v", hits)
	}
}

func TestQdrant_CreatesMissingCollection(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/conversations":
			if created {
				fmt.Fprint(w, `{"result": {}}`)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPut && r.URL.Path == "/collections/conversations":
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			vectors := body["vectors"].(map[string]interface{})
			if vectors["size"].(float64) != 4 || vectors["distance"] != "Cosine" {
				t.Errorf("unexpected collection config: %+v", vectors)
			}
			created = true
			fmt.Fprint(w, `{"result": true}`)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/conversations/points":
			fmt.Fprint(w, `{"result": {}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	idx := NewQdrant(srv.URL, "", "conversations", 4)
	rec := testVectorRecord("sess-1:v1", "user-1", "sess-1", 1, vec(1, 0, 0))
	if err := idx.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Error("collection was not created before first write")
	}
}

func TestQdrant_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"result": {}}`)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	idx := NewQdrant(srv.URL, "", "conversations", 4)
	_, err := idx.Search(context.Background(), "user-1", vec(1, 0, 0), 6, 0)
	if err == nil {
		t.Fatal("expected error from failing backend")
	}
}

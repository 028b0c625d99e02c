// Package prefs implements the durable preference tier: SQLite as the
// source of truth with last-write-wins conflict resolution, fronted by a
// per-entry Redis cache. Writes go durable-first and then invalidate the
// cached entry, so the cache can serve stale reads only for entries that
// were never rewritten.
package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
	"github.com/cadre-oss/recall/internal/telemetry"
)

const cacheKeyPrefix = "recall:pref:"

// Store is the cached preference store.
type Store struct {
	db       *sql.DB
	rdb      redis.UniversalClient
	cacheTTL time.Duration
	metrics  *telemetry.Metrics

	mu    sync.Mutex
	locks map[string]*entryGate
}

// entryGate is a reference-counted mutex, pruned from the lock table when
// the last holder releases it.
type entryGate struct {
	mu   sync.Mutex
	refs int
}

// New opens the preference database at path, fronted by rdb. A nil rdb
// disables caching; every read goes to the durable store. A nil metrics
// is replaced with a private recorder.
func New(path string, rdb redis.UniversalClient, cacheTTL time.Duration, metrics *telemetry.Metrics) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	store := &Store{
		db:       db,
		rdb:      rdb,
		cacheTTL: cacheTTL,
		metrics:  metrics,
		locks:    make(map[string]*entryGate),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS preferences (
		user_id TEXT NOT NULL,
		pref_key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, pref_key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// lockEntry serializes write-invalidate for one (user, key) pair so two
// concurrent writers cannot interleave their durable write and cache
// invalidation. The returned func releases the lock and drops the table
// entry once no other writer holds or waits on it.
func (s *Store) lockEntry(userID, key string) func() {
	id := userID + "\x00" + key
	s.mu.Lock()
	g, ok := s.locks[id]
	if !ok {
		g = &entryGate{}
		s.locks[id] = g
	}
	g.refs++
	s.mu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		s.mu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func cacheKey(userID, key string) string {
	return cacheKeyPrefix + userID + ":" + key
}

// Get reads through the cache. A cache failure is treated as a miss; the
// durable store always answers.
func (s *Store) Get(ctx context.Context, userID, key string) (memory.Preference, error) {
	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, cacheKey(userID, key)).Result()
		if err == nil {
			var pref memory.Preference
			if jsonErr := json.Unmarshal([]byte(raw), &pref); jsonErr == nil {
				s.metrics.IncPrefCacheHit()
				return pref, nil
			}
		}
		s.metrics.IncPrefCacheMiss()
	}

	pref, err := s.getDurable(ctx, userID, key)
	if err != nil {
		return memory.Preference{}, err
	}

	if s.rdb != nil {
		if payload, err := json.Marshal(pref); err == nil {
			s.rdb.Set(ctx, cacheKey(userID, key), payload, s.cacheTTL)
		}
	}
	return pref, nil
}

func (s *Store) getDurable(ctx context.Context, userID, key string) (memory.Preference, error) {
	pref := memory.Preference{UserID: userID, Key: key}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_at FROM preferences
		WHERE user_id = ? AND pref_key = ?
	`, userID, key).Scan(&pref.Value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Preference{}, recallerrors.New(recallerrors.CodeNotFound,
			fmt.Sprintf("preference %s/%s not found", userID, key))
	}
	if err != nil {
		return memory.Preference{}, err
	}
	pref.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return pref, nil
}

// List returns all of the user's preferences from the durable store.
func (s *Store) List(ctx context.Context, userID string) ([]memory.Preference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pref_key, value, updated_at FROM preferences
		WHERE user_id = ?
		ORDER BY pref_key
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prefs []memory.Preference
	for rows.Next() {
		pref := memory.Preference{UserID: userID}
		var updatedAt int64
		if err := rows.Scan(&pref.Key, &pref.Value, &updatedAt); err != nil {
			return nil, err
		}
		pref.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		prefs = append(prefs, pref)
	}
	return prefs, rows.Err()
}

// Set writes durably with last-write-wins resolution, then invalidates the
// cached entry. A write older than the stored value changes nothing and
// returns a STALE_WRITE error so callers can tell it was discarded.
func (s *Store) Set(ctx context.Context, userID, key, value string, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	unlock := s.lockEntry(userID, key)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, pref_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, pref_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= preferences.updated_at
	`, userID, key, value, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write preference: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// The stored value is newer; the durable state did not change so
		// the cache stays valid.
		return recallerrors.New(recallerrors.CodeStaleWrite,
			fmt.Sprintf("preference %s/%s has a newer value", userID, key)).
			WithSuggestion("re-read the preference and retry with a current timestamp")
	}

	if s.rdb != nil {
		if err := s.rdb.Del(ctx, cacheKey(userID, key)).Err(); err != nil {
			// The durable write landed; a failed invalidation only delays
			// visibility until the cache entry expires.
			return recallerrors.Wrap(recallerrors.CodeCacheUnavailable,
				"preference stored but cache invalidation failed", err)
		}
	}
	return nil
}

// Close closes the durable store. The Redis client is shared and stays open.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ memory.PreferenceStore = (*Store)(nil)

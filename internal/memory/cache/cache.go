// Package cache implements the fast session tier on Redis. Turns live in a
// per-session list, session bookkeeping in a hash, and an activity-sorted
// set lets the sweeper find idle sessions. Session keys carry no server-side
// TTL: expiry is decided by the sweeper so turns are always flushed to the
// ledger before they leave the cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
)

const (
	keyPrefix   = "recall:session:"
	activityKey = "recall:sessions:by_activity"
)

// SessionCache stores active sessions in Redis.
type SessionCache struct {
	rdb redis.UniversalClient
}

// New creates a session cache on an existing Redis client.
func New(rdb redis.UniversalClient) *SessionCache {
	return &SessionCache{rdb: rdb}
}

func turnsKey(sessionID string) string { return keyPrefix + sessionID + ":turns" }
func metaKey(sessionID string) string  { return keyPrefix + sessionID + ":meta" }
func seqKey(sessionID string) string   { return keyPrefix + sessionID + ":seq" }

// Put appends a turn and refreshes the session's activity clock. The first
// put for an unknown session creates its bookkeeping implicitly.
func (c *SessionCache) Put(ctx context.Context, userID, sessionID string, role memory.Role, content string) (memory.Turn, error) {
	now := time.Now().UTC()

	seq, err := c.rdb.Incr(ctx, seqKey(sessionID)).Result()
	if err != nil {
		return memory.Turn{}, unavailable("assign sequence", err)
	}

	turn := memory.Turn{Role: role, Content: content, Seq: seq, CreatedAt: now}
	payload, err := json.Marshal(turn)
	if err != nil {
		return memory.Turn{}, recallerrors.Wrap(recallerrors.CodeCacheUnavailable, "encode turn", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, turnsKey(sessionID), payload)
	pipe.HSetNX(ctx, metaKey(sessionID), "user_id", userID)
	pipe.HSetNX(ctx, metaKey(sessionID), "state", string(memory.SessionActive))
	pipe.HSetNX(ctx, metaKey(sessionID), "created_at", now.Format(time.RFC3339Nano))
	pipe.HSet(ctx, metaKey(sessionID), "last_active", now.Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, activityKey, redis.Z{Score: float64(now.UnixMilli()), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return memory.Turn{}, unavailable("append turn", err)
	}

	return turn, nil
}

// Read returns the session's turns in sequence order. Reads do not count as
// activity: a session polled for context still expires on schedule.
func (c *SessionCache) Read(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	raw, err := c.rdb.LRange(ctx, turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("read turns", err)
	}
	if len(raw) == 0 {
		if _, err := c.Meta(ctx, sessionID); err != nil {
			return nil, err
		}
		return []memory.Turn{}, nil
	}

	turns := make([]memory.Turn, 0, len(raw))
	for _, entry := range raw {
		var t memory.Turn
		if err := json.Unmarshal([]byte(entry), &t); err != nil {
			return nil, recallerrors.Wrap(recallerrors.CodeCacheUnavailable, "decode turn", err)
		}
		turns = append(turns, t)
	}
	// Seq is assigned by INCR before the list append, so writers from
	// separate processes can land their pushes out of order.
	sort.Slice(turns, func(i, j int) bool { return turns[i].Seq < turns[j].Seq })
	return turns, nil
}

// Meta returns the session's bookkeeping record.
func (c *SessionCache) Meta(ctx context.Context, sessionID string) (memory.SessionMeta, error) {
	fields, err := c.rdb.HGetAll(ctx, metaKey(sessionID)).Result()
	if err != nil {
		return memory.SessionMeta{}, unavailable("read session meta", err)
	}
	if len(fields) == 0 {
		return memory.SessionMeta{}, recallerrors.New(recallerrors.CodeNotFound,
			fmt.Sprintf("session %s not in cache", sessionID))
	}

	meta := memory.SessionMeta{
		SessionID: sessionID,
		UserID:    fields["user_id"],
		State:     memory.SessionState(fields["state"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		meta.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["last_active"]); err == nil {
		meta.LastActive = ts
	}
	return meta, nil
}

// Expired returns sessions idle since before cutoff, oldest first.
func (c *SessionCache) Expired(ctx context.Context, cutoff time.Time) ([]memory.SessionMeta, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, activityKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("scan expired sessions", err)
	}
	return c.collectMetas(ctx, ids)
}

// Sessions lists all active sessions, oldest activity first.
func (c *SessionCache) Sessions(ctx context.Context) ([]memory.SessionMeta, error) {
	ids, err := c.rdb.ZRange(ctx, activityKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	return c.collectMetas(ctx, ids)
}

func (c *SessionCache) collectMetas(ctx context.Context, ids []string) ([]memory.SessionMeta, error) {
	metas := make([]memory.SessionMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := c.Meta(ctx, id)
		if err != nil {
			if recallerrors.IsNotFound(err) {
				// Activity entry outlived its session keys; drop it.
				c.rdb.ZRem(ctx, activityKey, id)
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// Evict removes a session from the cache. The caller is responsible for
// having flushed its turns to the ledger first.
func (c *SessionCache) Evict(ctx context.Context, sessionID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, turnsKey(sessionID), metaKey(sessionID), seqKey(sessionID))
	pipe.ZRem(ctx, activityKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("evict session", err)
	}
	return nil
}

// Ping checks cache connectivity.
func (c *SessionCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (c *SessionCache) Close() error {
	return c.rdb.Close()
}

func unavailable(op string, err error) error {
	return recallerrors.Wrap(recallerrors.CodeCacheUnavailable, "session cache: "+op, err).
		WithSuggestion("check that Redis is reachable and the configured address is correct")
}

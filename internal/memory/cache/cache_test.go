package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
	"github.com/cadre-oss/recall/internal/memory"
)

func newTestCache(t *testing.T) (*SessionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New(rdb)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestPut_AssignsIncreasingSequence(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	first, err := c.Put(ctx, "user-1", "sess-1", memory.RoleUser, "hello")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := c.Put(ctx, "user-1", "sess-1", memory.RoleAgent, "hi there")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("expected seq 1,2; got %d,%d", first.Seq, second.Seq)
	}
}

func TestRead_ReturnsTurnsInOrder(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	contents := []string{"one", "two", "three"}
	for _, msg := range contents {
		if _, err := c.Put(ctx, "user-1", "sess-1", memory.RoleUser, msg); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	turns, err := c.Read(ctx, "sess-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Content != contents[i] {
			t.Errorf("turn %d: expected %q, got %q", i, contents[i], turn.Content)
		}
		if turn.Seq != int64(i+1) {
			t.Errorf("turn %d: expected seq %d, got %d", i, i+1, turn.Seq)
		}
	}
}

func TestRead_SortsInterleavedWriters(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "user-1", "sess-1", memory.RoleUser, "first"); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Two processes appending concurrently can INCR in one order and land
	// their list pushes in the other. Replay that interleaving directly:
	// seq 3's push arrives before seq 2's.
	now := time.Now().UTC()
	for _, seq := range []int64{3, 2} {
		payload, err := json.Marshal(memory.Turn{
			Role: memory.RoleUser, Content: "out of order", Seq: seq, CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := c.rdb.RPush(ctx, turnsKey("sess-1"), payload).Err(); err != nil {
			t.Fatalf("rpush: %v", err)
		}
	}

	turns, err := c.Read(ctx, "sess-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != int64(i+1) {
			t.Errorf("turn %d: expected seq %d, got %d", i, i+1, turn.Seq)
		}
	}
}

func TestRead_UnknownSession(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Read(context.Background(), "no-such-session")
	if !recallerrors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestMeta_TracksActivity(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	if _, err := c.Put(ctx, "user-1", "sess-1", memory.RoleUser, "hello"); err != nil {
		t.Fatalf("put: %v", err)
	}

	meta, err := c.Meta(ctx, "sess-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", meta.UserID)
	}
	if meta.State != memory.SessionActive {
		t.Errorf("expected active state, got %s", meta.State)
	}
	if meta.LastActive.Before(before) {
		t.Errorf("last_active not refreshed: %v", meta.LastActive)
	}
}

func TestRead_DoesNotRefreshActivity(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "user-1", "sess-1", memory.RoleUser, "hello"); err != nil {
		t.Fatalf("put: %v", err)
	}
	meta1, _ := c.Meta(ctx, "sess-1")

	time.Sleep(5 * time.Millisecond)
	if _, err := c.Read(ctx, "sess-1"); err != nil {
		t.Fatalf("read: %v", err)
	}

	meta2, _ := c.Meta(ctx, "sess-1")
	if !meta2.LastActive.Equal(meta1.LastActive) {
		t.Error("read refreshed the activity clock")
	}
}

func TestExpired_ReturnsOnlyIdleSessions(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "user-1", "idle-sess", memory.RoleUser, "old"); err != nil {
		t.Fatalf("put: %v", err)
	}
	cutoff := time.Now().UTC().Add(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Put(ctx, "user-1", "fresh-sess", memory.RoleUser, "new"); err != nil {
		t.Fatalf("put: %v", err)
	}

	expired, err := c.Expired(ctx, cutoff)
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].SessionID != "idle-sess" {
		t.Fatalf("expected only idle-sess, got %+v", expired)
	}
}

func TestEvict_RemovesAllSessionKeys(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "user-1", "sess-1", memory.RoleUser, "hello"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Evict(ctx, "sess-1"); err != nil {
		t.Fatalf("evict: %v", err)
	}

	if _, err := c.Meta(ctx, "sess-1"); !recallerrors.IsNotFound(err) {
		t.Errorf("meta survived eviction: %v", err)
	}
	if mr.Exists(seqKey("sess-1")) {
		t.Error("sequence counter survived eviction")
	}

	sessions, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("activity index survived eviction: %+v", sessions)
	}
}

func TestPut_AfterEvictRestartsSequence(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Put(ctx, "user-1", "sess-1", memory.RoleUser, "hello"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Evict(ctx, "sess-1"); err != nil {
		t.Fatalf("evict: %v", err)
	}

	turn, err := c.Put(ctx, "user-1", "sess-1", memory.RoleUser, "again")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if turn.Seq != 1 {
		t.Errorf("expected fresh sequence after evict, got %d", turn.Seq)
	}
}

func TestPut_UnavailableCache(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, err := c.Put(context.Background(), "user-1", "sess-1", memory.RoleUser, "hello")
	if !recallerrors.IsTransient(err) {
		t.Errorf("expected transient cache error, got %v", err)
	}
	if recallerrors.Suggestion(err) == "" {
		t.Error("expected an actionable suggestion on cache failure")
	}
}

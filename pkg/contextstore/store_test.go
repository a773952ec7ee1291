package contextstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memKV is an in-process KV with real expiry semantics, standing in for redis.
type memKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	failing bool
	clock   func() time.Time
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

func newMemKV() *memKV {
	return &memKV{entries: map[string]memEntry{}, clock: time.Now}
}

var errKVDown = errors.New("kv down")

func (m *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, false, errKVDown
	}
	e, ok := m.entries[key]
	if !ok || m.clock().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.data, true, nil
}

func (m *memKV) SetWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errKVDown
	}
	m.entries[key] = memEntry{data: value, expiresAt: m.clock().Add(ttl)}
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errKVDown
	}
	delete(m.entries, key)
	return nil
}

func TestStore_AppendReadRoundTrip(t *testing.T) {
	store := NewStore(newMemKV(), 20, time.Hour)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if err := store.Append(ctx, "7", RoleUser, "hello", now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, "7", RoleAssistant, "hi there", now.Add(time.Second)); err != nil {
		t.Fatalf("append: %v", err)
	}

	turns := store.Read(ctx, "7", now.Add(2*time.Second))
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	last := turns[len(turns)-1]
	if last.Role != RoleAssistant || last.Content != "hi there" {
		t.Fatalf("unexpected last turn: %+v", last)
	}
	if !turns[0].CreatedAt.Before(turns[1].CreatedAt) {
		t.Fatalf("turns must be chronological")
	}
}

func TestStore_TrimsOldestBeyondBound(t *testing.T) {
	store := NewStore(newMemKV(), 5, time.Hour)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 12; i++ {
		content := string(rune('a' + i))
		if err := store.Append(ctx, "u", RoleUser, content, now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	turns := store.Read(ctx, "u", now.Add(12*time.Second))
	if len(turns) != 5 {
		t.Fatalf("expected window trimmed to 5 turns, got %d", len(turns))
	}
	if turns[0].Content != "h" || turns[4].Content != "l" {
		t.Fatalf("expected the most recent turns in order, got %q..%q", turns[0].Content, turns[4].Content)
	}
}

func TestStore_ReadFiltersExpiredTurns(t *testing.T) {
	kv := newMemKV()
	store := NewStore(kv, 20, 10*time.Minute)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if err := store.Append(ctx, "u", RoleUser, "old", now); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Reading before expiry sees the turn; after TTL it is excluded even
	// though the backing entry may still exist.
	if got := store.Read(ctx, "u", now.Add(time.Minute)); len(got) != 1 {
		t.Fatalf("expected 1 fresh turn, got %d", len(got))
	}
	if got := store.Read(ctx, "u", now.Add(11*time.Minute)); len(got) != 0 {
		t.Fatalf("expected expired turns filtered, got %d", len(got))
	}
}

func TestStore_AppendRefreshesWholeWindowTTL(t *testing.T) {
	kv := newMemKV()
	base := time.Unix(1_700_000_000, 0)
	current := base
	kv.clock = func() time.Time { return current }

	store := NewStore(kv, 20, 10*time.Minute)
	ctx := context.Background()

	if err := store.Append(ctx, "u", RoleUser, "first", base); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A later append rewrites the entry with a fresh TTL, so the backing
	// entry survives past the first append's expiry.
	current = base.Add(8 * time.Minute)
	if err := store.Append(ctx, "u", RoleAssistant, "second", current); err != nil {
		t.Fatalf("append: %v", err)
	}

	current = base.Add(15 * time.Minute)
	turns := store.Read(ctx, "u", current)
	if len(turns) != 1 || turns[0].Content != "second" {
		t.Fatalf("expected only the fresh turn after partial expiry, got %+v", turns)
	}
}

func TestStore_ClearRemovesWindow(t *testing.T) {
	store := NewStore(newMemKV(), 20, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if err := store.Append(ctx, "u", RoleUser, "hello", now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Clear(ctx, "u"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := store.Read(ctx, "u", now); len(got) != 0 {
		t.Fatalf("expected empty window after clear, got %d turns", len(got))
	}
}

func TestStore_AppendFailsLoudWhenStoreDown(t *testing.T) {
	kv := newMemKV()
	kv.failing = true
	store := NewStore(kv, 20, time.Hour)

	err := store.Append(context.Background(), "u", RoleUser, "hello", time.Now())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestStore_AppendOverwritesCorruptWindow(t *testing.T) {
	kv := newMemKV()
	store := NewStore(kv, 20, time.Hour)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if err := kv.SetWithExpiry(ctx, "context:u", []byte("{not json"), time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The store is reachable, so a corrupt value must not fail the append;
	// the rewrite heals the key.
	if err := store.Append(ctx, "u", RoleUser, "hello", now); err != nil {
		t.Fatalf("append over corrupt window: %v", err)
	}

	turns := store.Read(ctx, "u", now.Add(time.Second))
	if len(turns) != 1 || turns[0].Content != "hello" {
		t.Fatalf("expected fresh window after overwrite, got %+v", turns)
	}
}

func TestStore_ReadDegradesToEmptyWhenStoreDown(t *testing.T) {
	kv := newMemKV()
	store := NewStore(kv, 20, time.Hour)
	ctx := context.Background()
	now := time.Now()

	if err := store.Append(ctx, "u", RoleUser, "hello", now); err != nil {
		t.Fatalf("append: %v", err)
	}
	kv.failing = true

	if got := store.Read(ctx, "u", now); got != nil {
		t.Fatalf("expected nil window on store failure, got %v", got)
	}
}

func TestStore_Summarize(t *testing.T) {
	store := NewStore(newMemKV(), 20, time.Hour)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if s := store.Summarize(ctx, "u", now); s.Count != 0 {
		t.Fatalf("expected empty summary, got %+v", s)
	}

	_ = store.Append(ctx, "u", RoleUser, "q", now)
	_ = store.Append(ctx, "u", RoleAssistant, "a", now.Add(2*time.Second))

	s := store.Summarize(ctx, "u", now.Add(3*time.Second))
	if s.Count != 2 {
		t.Fatalf("expected count 2, got %d", s.Count)
	}
	if !s.Oldest.Equal(now) || !s.Newest.Equal(now.Add(2*time.Second)) {
		t.Fatalf("unexpected summary bounds: %+v", s)
	}
}

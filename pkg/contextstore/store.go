// Package contextstore keeps a bounded, TTL-expiring window of dialog turns
// per user, persisted in an external expiring key-value store.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nlazarev/chatgate/pkg/logger"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrStoreUnavailable signals that the backing store could not be reached.
// Appends fail loudly with it; silently dropping a turn would corrupt
// conversation continuity.
var ErrStoreUnavailable = errors.New("context store unavailable")

// Turn is one immutable exchange unit in a user's window.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary describes a user's current window without exposing its contents.
type Summary struct {
	Count  int
	Oldest time.Time
	Newest time.Time
}

// KV is the expiring key-value contract the store persists through.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Store struct {
	kv       KV
	maxTurns int
	ttl      time.Duration
}

func NewStore(kv KV, maxTurns int, ttl time.Duration) *Store {
	return &Store{kv: kv, maxTurns: maxTurns, ttl: ttl}
}

func contextKey(user string) string {
	return "context:" + user
}

// load fetches the stored window and drops turns older than the TTL.
// The stored entry is never rewritten here; filtering is view-only.
// An error means the store is unreachable; a corrupt window decodes to
// empty so the next Append overwrites it instead of wedging the user.
func (s *Store) load(ctx context.Context, user string, now time.Time) ([]Turn, error) {
	data, found, err := s.kv.Get(ctx, contextKey(user))
	if err != nil {
		return nil, fmt.Errorf("get context for %s: %w", user, err)
	}
	if !found {
		return nil, nil
	}

	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		logger.WarnCF("contextstore", "Discarding corrupt context window", map[string]interface{}{
			"user":  user,
			"error": err.Error(),
		})
		return nil, nil
	}

	cutoff := now.Add(-s.ttl)
	recent := turns[:0]
	for _, turn := range turns {
		if turn.CreatedAt.After(cutoff) {
			recent = append(recent, turn)
		}
	}
	return recent, nil
}

// Append adds a turn to the user's window, trims the oldest turns beyond the
// bound, and rewrites the whole window with a fresh TTL.
func (s *Store) Append(ctx context.Context, user, role, content string, now time.Time) error {
	turns, err := s.load(ctx, user, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	turns = append(turns, Turn{Role: role, Content: content, CreatedAt: now})
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}

	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode context for %s: %w", user, err)
	}

	if err := s.kv.SetWithExpiry(ctx, contextKey(user), data, s.ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	logger.DebugCF("contextstore", "Appended turn", map[string]interface{}{
		"user": user,
		"role": role,
		"size": len(turns),
	})
	return nil
}

// Read returns the user's window in chronological order, excluding turns
// older than the TTL. A store failure degrades to an empty window rather
// than blocking generation.
func (s *Store) Read(ctx context.Context, user string, now time.Time) []Turn {
	turns, err := s.load(ctx, user, now)
	if err != nil {
		logger.WarnCF("contextstore", "Context read degraded to empty", map[string]interface{}{
			"user":  user,
			"error": err.Error(),
		})
		return nil
	}
	return turns
}

// Clear deletes the user's window immediately, independent of TTL.
func (s *Store) Clear(ctx context.Context, user string) error {
	if err := s.kv.Delete(ctx, contextKey(user)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	logger.InfoCF("contextstore", "Cleared context", map[string]interface{}{"user": user})
	return nil
}

// Summarize derives window stats purely from Read.
func (s *Store) Summarize(ctx context.Context, user string, now time.Time) Summary {
	turns := s.Read(ctx, user, now)
	if len(turns) == 0 {
		return Summary{}
	}
	return Summary{
		Count:  len(turns),
		Oldest: turns[0].CreatedAt,
		Newest: turns[len(turns)-1].CreatedAt,
	}
}

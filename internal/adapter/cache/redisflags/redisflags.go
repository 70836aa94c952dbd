// Package redisflags implements the short-TTL flag store on Redis: the
// cancel fast path, the progress throttle/coalesce window and the event
// dedup keys.
//
// The store is non-authoritative. Callers treat every error here as a cache
// miss and fall back to the database; cache loss degrades latency, never
// correctness.
package redisflags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func cancelKey(jobID string) string   { return "cancel:" + jobID }
func throttleKey(jobID string) string { return "progress:throttle:" + jobID }
func coalesceKey(jobID string) string { return "progress:coalesce:" + jobID }

// Store wraps a Redis client with the flag-store operations.
type Store struct {
	rdb *redis.Client
}

// New constructs a Store around an existing client.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// NewFromURL connects from a redis:// URL.
func NewFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisflags.parse_url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// Ping reports cache health for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// cancelEntry is the JSON value stored under cancel:{job_id}.
type cancelEntry struct {
	Cancelled   bool      `json:"cancelled"`
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason,omitempty"`
}

// SetCancel writes the cancel flag with a TTL.
func (s *Store) SetCancel(ctx context.Context, jobID, reason string, ttl time.Duration) error {
	val, err := json.Marshal(cancelEntry{Cancelled: true, RequestedAt: time.Now().UTC(), Reason: reason})
	if err != nil {
		return fmt.Errorf("op=redisflags.set_cancel: %w", err)
	}
	if err := s.rdb.Set(ctx, cancelKey(jobID), val, ttl).Err(); err != nil {
		return fmt.Errorf("op=redisflags.set_cancel: %w", err)
	}
	return nil
}

// GetCancel reads the cancel flag; a missing key is (false, nil).
func (s *Store) GetCancel(ctx context.Context, jobID string) (bool, error) {
	raw, err := s.rdb.Get(ctx, cancelKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("op=redisflags.get_cancel: %w", err)
	}
	var entry cancelEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, fmt.Errorf("op=redisflags.get_cancel: %w", err)
	}
	return entry.Cancelled, nil
}

// ClearCancel removes the cancel flag once the job reached its terminal state.
func (s *Store) ClearCancel(ctx context.Context, jobID string) error {
	if err := s.rdb.Del(ctx, cancelKey(jobID)).Err(); err != nil {
		return fmt.Errorf("op=redisflags.clear_cancel: %w", err)
	}
	return nil
}

// AcquireThrottle opens the per-job progress window with SET NX EX; false
// means the window is held and the report should be coalesced.
func (s *Store) AcquireThrottle(ctx context.Context, jobID string, window time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, throttleKey(jobID), "1", window).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisflags.throttle: %w", err)
	}
	return ok, nil
}

// StashCoalesce stores the latest throttled update; later stashes within the
// window overwrite earlier ones.
func (s *Store) StashCoalesce(ctx context.Context, jobID string, data []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, coalesceKey(jobID), data, ttl).Err(); err != nil {
		return fmt.Errorf("op=redisflags.stash: %w", err)
	}
	return nil
}

// TakeCoalesce reads and deletes the stash; nil when empty.
func (s *Store) TakeCoalesce(ctx context.Context, jobID string) ([]byte, error) {
	raw, err := s.rdb.GetDel(ctx, coalesceKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=redisflags.take: %w", err)
	}
	return raw, nil
}

// MarkEventOnce claims an event dedup key; true exactly once per key within
// ttl, giving at-most-once per (job, status, attempt) while the key lives.
func (s *Store) MarkEventOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisflags.mark_once: %w", err)
	}
	return ok, nil
}

package redisflags

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestCancelFlagLifecycle(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	cancelled, err := s.GetCancel(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, cancelled, "missing key is a clean miss")

	require.NoError(t, s.SetCancel(ctx, "j1", "user", time.Hour))
	cancelled, err = s.GetCancel(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	ttl := mr.TTL("cancel:j1")
	assert.Equal(t, time.Hour, ttl)

	require.NoError(t, s.ClearCancel(ctx, "j1"))
	cancelled, err = s.GetCancel(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelFlagExpires(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetCancel(ctx, "j1", "", time.Minute))
	mr.FastForward(2 * time.Minute)
	cancelled, err := s.GetCancel(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestThrottleWindow(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireThrottle(ctx, "j1", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "first acquisition opens the window")

	ok, err = s.AcquireThrottle(ctx, "j1", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "window held")

	// Different jobs do not share windows.
	ok, err = s.AcquireThrottle(ctx, "j2", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(3 * time.Second)
	ok, err = s.AcquireThrottle(ctx, "j1", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "window reopens after expiry")
}

func TestCoalesceStash(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	raw, err := s.TakeCoalesce(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, raw)

	require.NoError(t, s.StashCoalesce(ctx, "j1", []byte(`{"percent":20}`), 3*time.Second))
	// Later stashes within the window overwrite earlier ones.
	require.NoError(t, s.StashCoalesce(ctx, "j1", []byte(`{"percent":40}`), 3*time.Second))

	raw, err = s.TakeCoalesce(ctx, "j1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"percent":40}`, string(raw))

	// Take is destructive.
	raw, err = s.TakeCoalesce(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestMarkEventOnce(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	key := "event:dedup:j1:completed:1"
	fresh, err := s.MarkEventOnce(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.MarkEventOnce(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh, "second claim within TTL is deduped")

	mr.FastForward(6 * time.Minute)
	fresh, err = s.MarkEventOnce(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "dedup decays with the TTL")
}

func TestErrorsSurfaceWhenRedisDown(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := New(rdb)
	mr.Close()

	ctx := context.Background()
	_, err := s.GetCancel(ctx, "j1")
	assert.Error(t, err, "callers treat this as a miss and fall back to the record")
	_, err = s.AcquireThrottle(ctx, "j1", time.Second)
	assert.Error(t, err)
}

func TestNewFromURL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	s, err := NewFromURL("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(context.Background()))

	_, err = NewFromURL("://bad")
	assert.Error(t, err)
}

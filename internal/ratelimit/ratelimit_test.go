package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, now time.Time) (*FixedWindow, *time.Time) {
	t.Helper()
	fw := NewFixedWindow()
	t.Cleanup(func() { _ = fw.Close() })
	current := now
	fw.now = func() time.Time { return current }
	return fw, &current
}

func TestFixedWindowAllow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	t.Run("counts within a window", func(t *testing.T) {
		fw, _ := newTestLimiter(t, base)

		for i := 0; i < 3; i++ {
			res := fw.Allow("alice", 3)
			assert.True(t, res.Allowed)
			assert.Equal(t, 3-(i+1), res.Remaining)
		}
		res := fw.Allow("alice", 3)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
	})

	t.Run("window reset restores quota", func(t *testing.T) {
		fw, now := newTestLimiter(t, base)

		for i := 0; i < 3; i++ {
			fw.Allow("alice", 3)
		}
		require.False(t, fw.Allow("alice", 3).Allowed)

		*now = base.Add(time.Minute)
		res := fw.Allow("alice", 3)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.Remaining)
	})

	t.Run("keys are independent", func(t *testing.T) {
		fw, _ := newTestLimiter(t, base)

		for i := 0; i < 3; i++ {
			fw.Allow("alice", 3)
		}
		require.False(t, fw.Allow("alice", 3).Allowed)
		assert.True(t, fw.Allow("bob", 3).Allowed)
	})

	t.Run("zero limit means unlimited", func(t *testing.T) {
		fw, _ := newTestLimiter(t, base)

		for i := 0; i < 100; i++ {
			assert.True(t, fw.Allow("anon", 0).Allowed)
		}
	})

	t.Run("reset aligns to next minute", func(t *testing.T) {
		fw, _ := newTestLimiter(t, base)

		res := fw.Allow("alice", 10)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), res.Reset)
	})
}

func TestEvictStale(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	fw, now := newTestLimiter(t, base)

	fw.Allow("alice", 10)
	fw.Allow("bob", 10)

	*now = base.Add(2 * time.Minute)
	fw.evictStale()

	fw.mu.Lock()
	defer fw.mu.Unlock()
	assert.Empty(t, fw.windows)
}

func TestSetHeaders(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		reset := time.Now().Add(30 * time.Second)
		SetHeaders(rec, Result{Allowed: true, Limit: 20, Remaining: 7, Reset: reset})

		assert.Equal(t, "20", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "7", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Empty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("denied carries Retry-After", func(t *testing.T) {
		rec := httptest.NewRecorder()
		SetHeaders(rec, Result{Allowed: false, Limit: 20, Remaining: 0, Reset: time.Now().Add(45 * time.Second)})

		ra := rec.Header().Get("Retry-After")
		require.NotEmpty(t, ra)
		assert.NotEqual(t, "0", ra)
	})

	t.Run("unlimited writes nothing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		SetHeaders(rec, Result{Allowed: true, Limit: 0})
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	})
}

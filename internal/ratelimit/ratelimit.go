// Package ratelimit implements fixed-window per-minute request counting
// keyed by principal. Windows align to wall-clock minutes; counts are held
// in memory, so limits apply per process. A small skew across replicas is
// acceptable for tier enforcement.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Result is the outcome of one Allow call, carrying everything needed for
// the X-RateLimit response headers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time // start of the next window
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (r Result) RetryAfter() int {
	s := int(time.Until(r.Reset).Seconds()) + 1
	if s < 1 {
		s = 1
	}
	return s
}

type window struct {
	start time.Time
	count int
}

// FixedWindow counts requests per key in aligned one-minute windows.
// A background goroutine evicts idle keys to bound memory; call Close to
// stop it.
type FixedWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewFixedWindow creates a fixed-window limiter.
func NewFixedWindow() *FixedWindow {
	fw := &FixedWindow{
		windows: make(map[string]*window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go fw.cleanup()
	return fw
}

// Allow counts one request against key's current window. limit <= 0 means
// unlimited; the request always passes and headers are omitted upstream.
func (fw *FixedWindow) Allow(key string, limit int) Result {
	now := fw.now()
	windowStart := now.Truncate(time.Minute)
	reset := windowStart.Add(time.Minute)

	if limit <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: -1, Reset: reset}
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	w, ok := fw.windows[key]
	if !ok || w.start.Before(windowStart) {
		w = &window{start: windowStart}
		fw.windows[key] = w
	}

	if w.count >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, Reset: reset}
	}
	w.count++
	return Result{Allowed: true, Limit: limit, Remaining: limit - w.count, Reset: reset}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (fw *FixedWindow) Close() error {
	fw.stopOnce.Do(func() { close(fw.done) })
	return nil
}

// cleanup periodically evicts windows older than the current minute.
func (fw *FixedWindow) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-fw.done:
			return
		case <-ticker.C:
			fw.evictStale()
		}
	}
}

func (fw *FixedWindow) evictStale() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	cutoff := fw.now().Truncate(time.Minute)
	for key, w := range fw.windows {
		if w.start.Before(cutoff) {
			delete(fw.windows, key)
		}
	}
}

// SetHeaders writes the standard X-RateLimit response headers. Denied
// results additionally get Retry-After.
func SetHeaders(w http.ResponseWriter, r Result) {
	if r.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", r.Reset.Unix()))
	if !r.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(r.RetryAfter()))
	}
}

package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tiancizhou/teacher/internal/keypool"
)

// MemoryLimiter keeps one timestamp window per credential fingerprint.
// Cleanup of expired entries amortizes into every admission check; windows
// idle past windowSeconds+10s are garbage-collected by a background sweep.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	windowSeconds int
	maxRequests   int
}

type window struct {
	timestamps []time.Time
}

// NewMemoryLimiter creates an in-process sliding-window limiter and starts
// its idle-window sweeper.
func NewMemoryLimiter(windowSeconds, maxRequests int) *MemoryLimiter {
	l := &MemoryLimiter{
		windows:       make(map[string]*window),
		windowSeconds: windowSeconds,
		maxRequests:   maxRequests,
	}
	go l.sweep()
	return l
}

func (l *MemoryLimiter) TryAcquire(apiKey string) bool {
	now := time.Now()
	windowStart := now.Add(-time.Duration(l.windowSeconds) * time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[Fingerprint(apiKey)]
	if !ok {
		w = &window{}
		l.windows[Fingerprint(apiKey)] = w
	}

	w.evict(windowStart)

	if len(w.timestamps) >= l.maxRequests {
		slog.Debug("key rate limited",
			"key", keypool.MaskKey(apiKey),
			"used", len(w.timestamps),
			"max", l.maxRequests)
		return false
	}

	w.timestamps = append(w.timestamps, now)
	return true
}

func (l *MemoryLimiter) RemainingQuota(apiKey string) int64 {
	windowStart := time.Now().Add(-time.Duration(l.windowSeconds) * time.Second)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[Fingerprint(apiKey)]
	if !ok {
		return int64(l.maxRequests)
	}
	w.evict(windowStart)

	remaining := l.maxRequests - len(w.timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return int64(remaining)
}

// evict drops entries at or before windowStart. Timestamps are appended in
// monotonic order, so eviction stops at the first survivor.
func (w *window) evict(windowStart time.Time) {
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(windowStart) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// sweep removes windows whose newest entry is older than the window plus a
// 10s grace, so idle credentials do not pin memory.
func (l *MemoryLimiter) sweep() {
	interval := time.Duration(l.windowSeconds+10) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-interval)
		l.mu.Lock()
		for fp, w := range l.windows {
			if len(w.timestamps) == 0 || w.timestamps[len(w.timestamps)-1].Before(cutoff) {
				delete(l.windows, fp)
			}
		}
		l.mu.Unlock()
	}
}

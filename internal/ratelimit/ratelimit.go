// Package ratelimit enforces a per-credential sliding-window admission
// budget. Each credential is indexed by a stable fingerprint so the
// plaintext key never becomes a map key or a Redis key.
//
// Two variants implement the same contract:
//   - MemoryLimiter: mutex-guarded timestamp windows, single instance.
//   - RedisLimiter: sorted-set windows shared across instances.
package ratelimit

import (
	"fmt"
	"hash/fnv"
)

// Limiter is the sliding-window rate budget contract.
type Limiter interface {
	// TryAcquire records one admission for the key if the window has
	// capacity and reports whether the request may proceed.
	TryAcquire(apiKey string) bool

	// RemainingQuota reports how many admissions the key has left in the
	// current window.
	RemainingQuota(apiKey string) int64
}

// Fingerprint hashes a credential into a stable index key (FNV-1a 64).
// Unlike an in-process hash it is consistent across instances, which the
// Redis variant depends on.
func Fingerprint(apiKey string) string {
	h := fnv.New64a()
	h.Write([]byte(apiKey))
	return fmt.Sprintf("%x", h.Sum64())
}

// Package keypool manages the pool of upstream API credentials. Keys rotate
// FIFO through an available queue; keys that produced upstream failures sit
// in a failed queue until the recovery ticker moves them back.
//
// Two variants implement the same contract:
//   - MemoryPool: channel-backed, for single-instance deployments.
//   - RedisPool: Redis-list-backed, for multi-instance deployments sharing
//     one pool.
package keypool

import "context"

// Pool is the credential pool contract. A successful Borrow must be balanced
// by exactly one Return or MarkFailed.
type Pool interface {
	// Borrow blocks up to the configured borrow timeout and removes a key
	// from the head of the available queue. Fails with errs.ErrExhausted
	// when no key becomes available in time.
	Borrow(ctx context.Context) (string, error)

	// Return appends the key to the tail of the available queue (FIFO
	// rotation spreads load across keys).
	Return(key string)

	// MarkFailed moves the key to the failed queue; it is not borrowed
	// again until recovery.
	MarkFailed(key string)

	// AddKeys appends keys to the available queue.
	AddKeys(keys []string)

	// AvailableCount and FailedCount are best-effort sizes; callers must
	// not rely on them for correctness.
	AvailableCount() int64
	FailedCount() int64

	// RecoverFailedKeys drains the failed queue back into the tail of the
	// available queue and reports how many keys moved.
	RecoverFailedKeys() int
}

// MaskKey truncates a credential for logging. Logs must never carry more
// than the leading 8 characters of a key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}

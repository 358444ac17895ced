package keypool

import (
	"context"
	"log/slog"
	"time"

	"github.com/tiancizhou/teacher/internal/errs"
)

// queueCapacity bounds the backing channels. Far above any realistic key
// count; enqueue falls back to dropping with an error log if ever exceeded.
const queueCapacity = 1024

// MemoryPool is the in-process pool variant: two buffered channels acting as
// blocking FIFO queues.
type MemoryPool struct {
	available     chan string
	failed        chan string
	borrowTimeout time.Duration
}

// NewMemoryPool creates an empty in-process pool. borrowTimeout bounds how
// long Borrow waits for a key.
func NewMemoryPool(borrowTimeout time.Duration) *MemoryPool {
	return &MemoryPool{
		available:     make(chan string, queueCapacity),
		failed:        make(chan string, queueCapacity),
		borrowTimeout: borrowTimeout,
	}
}

func (p *MemoryPool) Borrow(ctx context.Context) (string, error) {
	timer := time.NewTimer(p.borrowTimeout)
	defer timer.Stop()

	select {
	case key := <-p.available:
		slog.Debug("borrowed key", "key", MaskKey(key))
		return key, nil
	case <-timer.C:
		return "", errs.ErrExhausted
	case <-ctx.Done():
		// Interrupted borrow is treated identically to exhaustion.
		return "", errs.ErrExhausted
	}
}

func (p *MemoryPool) Return(key string) {
	p.enqueue(p.available, key)
	slog.Debug("returned key", "key", MaskKey(key))
}

func (p *MemoryPool) MarkFailed(key string) {
	p.enqueue(p.failed, key)
	slog.Warn("key marked failed", "key", MaskKey(key))
}

func (p *MemoryPool) AddKeys(keys []string) {
	for _, key := range keys {
		p.enqueue(p.available, key)
	}
	slog.Info("added keys to pool", "count", len(keys))
}

func (p *MemoryPool) AvailableCount() int64 { return int64(len(p.available)) }

func (p *MemoryPool) FailedCount() int64 { return int64(len(p.failed)) }

func (p *MemoryPool) RecoverFailedKeys() int {
	recovered := 0
	for {
		select {
		case key := <-p.failed:
			p.enqueue(p.available, key)
			recovered++
		default:
			if recovered > 0 {
				slog.Info("recovered failed keys", "count", recovered)
			}
			return recovered
		}
	}
}

func (p *MemoryPool) enqueue(q chan string, key string) {
	select {
	case q <- key:
	default:
		slog.Error("key queue full, dropping key", "key", MaskKey(key))
	}
}

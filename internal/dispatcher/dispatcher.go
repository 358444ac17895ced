// Package dispatcher fans grading work out over the credential pool with
// bounded concurrency, per-credential rate admission and retry.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tiancizhou/teacher/internal/config"
	"github.com/tiancizhou/teacher/internal/errs"
	"github.com/tiancizhou/teacher/internal/keypool"
	"github.com/tiancizhou/teacher/internal/ratelimit"
)

const borrowAdmissionAttempts = 3

// Dispatcher coordinates credential leasing, rate admission and retry for
// every upstream call.
type Dispatcher struct {
	pool    keypool.Pool
	limiter ratelimit.Limiter

	maxConcurrent int
	retryCount    int
	maxPerBatch   int

	// Back-off bases. failedBackoff scales with the attempt number after an
	// upstream failure, exhaustedBackoff after a pool-exhaustion failure.
	failedBackoff    time.Duration
	exhaustedBackoff time.Duration
	admissionBackoff time.Duration
}

// New builds a dispatcher from the shared dispatcher configuration.
func New(pool keypool.Pool, limiter ratelimit.Limiter, cfg config.DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		pool:             pool,
		limiter:          limiter,
		maxConcurrent:    cfg.MaxConcurrent,
		retryCount:       cfg.RetryCount,
		maxPerBatch:      cfg.MaxCharactersPerBatch,
		failedBackoff:    time.Second,
		exhaustedBackoff: 2 * time.Second,
		admissionBackoff: time.Second,
	}
}

// DispatchAll runs fn over every item with concurrency bounded by
// min(availableKeys, maxConcurrent, len(items)), never below 1. At most
// maxCharactersPerBatch items are dispatched; items beyond the bound are
// skipped and leave their result slot at the zero value, as does a failed
// item. Results come back in input order.
func DispatchAll[T any, R any](ctx context.Context, d *Dispatcher, items []T, fn func(ctx context.Context, apiKey string, item T) (R, error)) []R {
	results := make([]R, len(items))
	if len(items) == 0 {
		return results
	}

	limit := len(items)
	if d.maxPerBatch > 0 && limit > d.maxPerBatch {
		slog.Warn("batch exceeds fan-out bound, extra items skipped",
			"items", len(items),
			"maxCharactersPerBatch", d.maxPerBatch)
		limit = d.maxPerBatch
	}

	permits := int64(d.maxConcurrent)
	if avail := d.pool.AvailableCount(); avail < permits {
		permits = avail
	}
	if n := int64(limit); n < permits {
		permits = n
	}
	if permits < 1 {
		permits = 1
	}

	slog.Info("dispatching batch",
		"items", limit,
		"concurrency", permits,
		"availableKeys", d.pool.AvailableCount())

	sem := semaphore.NewWeighted(permits)
	var wg sync.WaitGroup
	var completed atomic.Int64

	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			res, err := ExecuteWithRetry(ctx, d, func(apiKey string) (R, error) {
				return fn(ctx, apiKey, items[i])
			})
			if err != nil {
				slog.Warn("batch item failed", "index", i, "error", err)
			} else {
				results[i] = res
			}

			if n := completed.Add(1); n%5 == 0 {
				slog.Info("batch progress", "done", n, "total", limit)
			}
		}(i)
	}

	wg.Wait()
	slog.Info("batch complete", "total", limit)
	return results
}

// ExecuteWithRetry runs fn with a leased credential, retrying up to
// retryCount+1 attempts. Pool exhaustion backs off without penalizing any
// key; any other failure marks the leased key failed before backing off.
// When every attempt fails the error surfaces as AI_ERROR.
func ExecuteWithRetry[R any](ctx context.Context, d *Dispatcher, fn func(apiKey string) (R, error)) (R, error) {
	var zero R
	maxAttempts := d.retryCount + 1

	// Upstream failures and lease exhaustion surface differently: a request
	// that never reached the provider fails EXHAUSTED, one whose provider
	// calls all failed surfaces AI_ERROR even if the pool drained meanwhile.
	var upstreamErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		apiKey, err := d.BorrowWithRate(ctx)
		if err != nil {
			slog.Warn("no credential admitted", "attempt", attempt, "error", err)
			if attempt < maxAttempts {
				if !sleepCtx(ctx, time.Duration(attempt)*d.exhaustedBackoff) {
					break
				}
			}
			continue
		}

		res, err := fn(apiKey)
		if err == nil {
			d.pool.Return(apiKey)
			return res, nil
		}

		upstreamErr = err
		d.pool.MarkFailed(apiKey)
		slog.Warn("attempt failed, key quarantined",
			"attempt", attempt,
			"key", keypool.MaskKey(apiKey),
			"error", err)
		if attempt < maxAttempts {
			if !sleepCtx(ctx, time.Duration(attempt)*d.failedBackoff) {
				break
			}
		}
	}

	if upstreamErr == nil {
		return zero, errs.ErrExhausted
	}
	return zero, errs.Wrap(errs.CodeAIError, "AI 分析失败，请稍后重试", upstreamErr)
}

// BorrowWithRate leases a credential that also passes rate admission. A key
// denied by its rate window goes back to the pool tail and another borrow is
// tried, up to 3 admissions. Persistent denial counts as exhaustion.
// The streaming engine leases through here directly; balance the lease with
// ReturnKey or QuarantineKey.
func (d *Dispatcher) BorrowWithRate(ctx context.Context) (string, error) {
	for i := 0; i < borrowAdmissionAttempts; i++ {
		apiKey, err := d.pool.Borrow(ctx)
		if err != nil {
			return "", err
		}
		if d.limiter.TryAcquire(apiKey) {
			return apiKey, nil
		}

		d.pool.Return(apiKey)
		slog.Debug("key over rate budget, rotated back",
			"key", keypool.MaskKey(apiKey),
			"admissionAttempt", i+1)
		if !sleepCtx(ctx, d.admissionBackoff) {
			return "", errs.ErrExhausted
		}
	}
	return "", errs.ErrExhausted
}

// ReturnKey rotates a directly leased key back to the pool tail.
func (d *Dispatcher) ReturnKey(apiKey string) { d.pool.Return(apiKey) }

// QuarantineKey moves a directly leased key to the failed queue.
func (d *Dispatcher) QuarantineKey(apiKey string) { d.pool.MarkFailed(apiKey) }

// sleepCtx sleeps for d unless the context ends first. Reports whether the
// full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

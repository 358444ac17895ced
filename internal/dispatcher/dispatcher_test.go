package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiancizhou/teacher/internal/config"
	"github.com/tiancizhou/teacher/internal/errs"
	"github.com/tiancizhou/teacher/internal/keypool"
	"github.com/tiancizhou/teacher/internal/ratelimit"
)

// allowAll admits every request.
type allowAll struct{}

func (allowAll) TryAcquire(string) bool      { return true }
func (allowAll) RemainingQuota(string) int64 { return 1 << 30 }

// denyFirstN denies the first n admissions, then admits everything.
type denyFirstN struct {
	n atomic.Int64
}

func (d *denyFirstN) TryAcquire(string) bool {
	return d.n.Add(-1) < 0
}
func (d *denyFirstN) RemainingQuota(string) int64 { return 0 }

func newTestDispatcher(t *testing.T, keys []string, limiter ratelimit.Limiter, retryCount int) (*Dispatcher, *keypool.MemoryPool) {
	t.Helper()
	pool := keypool.NewMemoryPool(50 * time.Millisecond)
	pool.AddKeys(keys)

	cfg := config.Default().Dispatcher
	cfg.RetryCount = retryCount
	d := New(pool, limiter, cfg)

	// Shrink back-offs so retry paths run in test time.
	d.failedBackoff = 5 * time.Millisecond
	d.exhaustedBackoff = 5 * time.Millisecond
	d.admissionBackoff = 5 * time.Millisecond
	return d, pool
}

func TestExecuteWithRetrySuccessReturnsKey(t *testing.T) {
	d, pool := newTestDispatcher(t, []string{"sk-happy-key-aaa"}, allowAll{}, 3)

	var usedKey string
	res, err := ExecuteWithRetry(context.Background(), d, func(apiKey string) (string, error) {
		usedKey = apiKey
		return "graded", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "graded", res)
	assert.Equal(t, "sk-happy-key-aaa", usedKey)
	assert.Equal(t, int64(1), pool.AvailableCount(), "key must rotate back after success")
	assert.Equal(t, int64(0), pool.FailedCount())
}

func TestExecuteWithRetryQuarantinesKeyAndSurfacesAIError(t *testing.T) {
	d, pool := newTestDispatcher(t, []string{"sk-bad-key-bbbbb"}, allowAll{}, 1)

	attempts := 0
	_, err := ExecuteWithRetry(context.Background(), d, func(apiKey string) (string, error) {
		attempts++
		return "", errors.New("upstream 500")
	})

	require.Error(t, err)
	assert.Equal(t, errs.CodeAIError, errs.CodeOf(err))
	// Attempt 1 fails upstream and quarantines the only key; attempt 2 finds
	// the pool empty, so the provider is called exactly once.
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int64(0), pool.AvailableCount())
	assert.Equal(t, int64(1), pool.FailedCount())

	// After a recovery tick the key serves again.
	pool.RecoverFailedKeys()
	res, err := ExecuteWithRetry(context.Background(), d, func(apiKey string) (string, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res)
}

func TestExecuteWithRetryEmptyPoolSurfacesExhausted(t *testing.T) {
	d, _ := newTestDispatcher(t, nil, allowAll{}, 1)

	_, err := ExecuteWithRetry(context.Background(), d, func(apiKey string) (string, error) {
		t.Fatal("provider must not be called without a credential")
		return "", nil
	})

	assert.True(t, errs.IsExhausted(err))
}

func TestExecuteWithRetryRecoversAfterTransientFailure(t *testing.T) {
	d, pool := newTestDispatcher(t, []string{"sk-flaky-one-ccc", "sk-flaky-two-ddd"}, allowAll{}, 3)

	attempts := 0
	res, err := ExecuteWithRetry(context.Background(), d, func(apiKey string) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("transient upstream error")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(1), pool.AvailableCount())
	assert.Equal(t, int64(1), pool.FailedCount())
}

func TestBorrowWithRateRotatesDeniedKey(t *testing.T) {
	limiter := &denyFirstN{}
	limiter.n.Store(1)
	d, pool := newTestDispatcher(t, []string{"sk-throttled-eee", "sk-fresh-key-fff"}, limiter, 3)

	key, err := d.BorrowWithRate(context.Background())

	require.NoError(t, err)
	// The denied head key went back to the tail; the second borrow got the
	// next key in rotation.
	assert.Equal(t, "sk-fresh-key-fff", key)
	assert.Equal(t, int64(1), pool.AvailableCount())
}

func TestBorrowWithRatePersistentDenialIsExhausted(t *testing.T) {
	limiter := &denyFirstN{}
	limiter.n.Store(1 << 30)
	d, pool := newTestDispatcher(t, []string{"sk-always-hot-gg"}, limiter, 3)

	_, err := d.BorrowWithRate(context.Background())

	assert.True(t, errs.IsExhausted(err))
	assert.Equal(t, int64(1), pool.AvailableCount(), "denied key must end up back in the pool")
}

func TestDispatchAllPreservesOrderAndNilsFailures(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"sk-batch-one-hhh", "sk-batch-two-iii"}, allowAll{}, 0)

	items := []int{0, 1, 2, 3, 4}
	results := DispatchAll(context.Background(), d, items, func(ctx context.Context, apiKey string, item int) (*string, error) {
		if item == 2 {
			return nil, errors.New("upstream rejected item")
		}
		s := fmt.Sprintf("result-%d", item)
		return &s, nil
	})

	require.Len(t, results, 5)
	for i, r := range results {
		if i == 2 {
			assert.Nil(t, r)
			continue
		}
		require.NotNil(t, r, "item %d", i)
		assert.Equal(t, fmt.Sprintf("result-%d", i), *r)
	}
}

func TestDispatchAllBoundsConcurrency(t *testing.T) {
	keys := []string{"sk-conc-one-jjjj", "sk-conc-two-kkkk"}
	d, _ := newTestDispatcher(t, keys, allowAll{}, 0)
	d.maxConcurrent = 2

	var mu sync.Mutex
	inFlight, peak := 0, 0

	items := make([]int, 10)
	DispatchAll(context.Background(), d, items, func(ctx context.Context, apiKey string, item int) (*int, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &item, nil
	})

	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 1)
}

func TestDispatchAllCapsBatchAtMaxCharacters(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"sk-capped-mmmmmm"}, allowAll{}, 0)
	d.maxPerBatch = 2

	var calls atomic.Int64
	items := make([]int, 10)
	for i := range items {
		items[i] = i
	}
	results := DispatchAll(context.Background(), d, items, func(ctx context.Context, apiKey string, item int) (*int, error) {
		calls.Add(1)
		return &item, nil
	})

	assert.Equal(t, int64(2), calls.Load(), "fan-out must stop at the batch bound")
	require.Len(t, results, 10, "result shape still mirrors the input")
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	for i := 2; i < 10; i++ {
		assert.Nil(t, results[i], "item %d beyond the bound must be skipped", i)
	}
}

func TestDispatchAllEmptyInput(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"sk-empty-in-llll"}, allowAll{}, 0)
	results := DispatchAll(context.Background(), d, nil, func(ctx context.Context, apiKey string, item int) (*int, error) {
		return &item, nil
	})
	assert.Empty(t, results)
}

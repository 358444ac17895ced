package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiancizhou/teacher/internal/config"
	"github.com/tiancizhou/teacher/internal/core"
	"github.com/tiancizhou/teacher/internal/dispatcher"
	"github.com/tiancizhou/teacher/internal/errs"
	"github.com/tiancizhou/teacher/internal/keypool"
)

type openLimiter struct{}

func (openLimiter) TryAcquire(string) bool      { return true }
func (openLimiter) RemainingQuota(string) int64 { return 1 << 30 }

// fakeProvider scripts upstream behavior per test.
type fakeProvider struct {
	mu        sync.Mutex
	chunks    []string
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (f *fakeProvider) AnalyzeImage(ctx context.Context, imageBase64, promptText, apiKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, promptText)
	call := f.calls
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if call < len(f.responses) {
		return f.responses[call], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func (f *fakeProvider) AnalyzeImageStream(ctx context.Context, imageBase64, promptText, apiKey string, onToken func(string)) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, promptText)
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	for _, c := range f.chunks {
		onToken(c)
	}
	return strings.Join(f.chunks, ""), nil
}

func (f *fakeProvider) Name() string { return "fake" }

func newTestEngine(t *testing.T, p *fakeProvider, keys []string, retryCount int) (*Engine, *keypool.MemoryPool) {
	t.Helper()
	pool := keypool.NewMemoryPool(100 * time.Millisecond)
	pool.AddKeys(keys)

	cfg := config.Default()
	cfg.Dispatcher.RetryCount = retryCount
	d := dispatcher.New(pool, openLimiter{}, cfg.Dispatcher)

	return New(p, d, cfg.AI), pool
}

type event struct {
	kind string
	data string
}

func TestGradeWholePageBlocking(t *testing.T) {
	fp := &fakeProvider{responses: []string{canonicalCritique}}
	e, pool := newTestEngine(t, fp, []string{"sk-engine-key-aa"}, 0)

	result, err := e.GradeWholePage(context.Background(), []byte("fake image bytes"))

	require.NoError(t, err)
	assert.Equal(t, 20, result.TotalCharacters)
	assert.Equal(t, 73, result.AvgOverallScore)
	assert.True(t, strings.HasPrefix(result.TaskID, "task-"))
	assert.NotEmpty(t, result.CreatedAt)
	assert.Equal(t, int64(1), pool.AvailableCount(), "credential must rotate back")
	assert.Equal(t, 1, fp.calls)
}

func TestGradeWholePageEmptyImage(t *testing.T) {
	fp := &fakeProvider{responses: []string{canonicalCritique}}
	e, _ := newTestEngine(t, fp, []string{"sk-engine-key-bb"}, 0)

	_, err := e.GradeWholePage(context.Background(), nil)

	require.Error(t, err)
	assert.Equal(t, errs.CodeAIError, errs.CodeOf(err))
	assert.Equal(t, 0, fp.calls, "empty bytes must never go upstream")
}

func TestGradeWholePageStreamOrdering(t *testing.T) {
	fp := &fakeProvider{chunks: []string{"A", "B", "C"}}
	e, pool := newTestEngine(t, fp, []string{"sk-stream-key-cc"}, 0)

	var mu sync.Mutex
	var events []event
	record := func(kind string) func(string) {
		return func(data string) {
			mu.Lock()
			events = append(events, event{kind, data})
			mu.Unlock()
		}
	}

	var result *core.BatchResult
	e.GradeWholePageStream(context.Background(), []byte("img"),
		record("thinking"),
		record("token"),
		func(r *core.BatchResult) {
			mu.Lock()
			result = r
			events = append(events, event{"result", r.TaskID})
			mu.Unlock()
		},
		record("error"))

	require.NotNil(t, result)
	require.Len(t, events, 4)
	assert.Equal(t, event{"token", "A"}, events[0])
	assert.Equal(t, event{"token", "B"}, events[1])
	assert.Equal(t, event{"token", "C"}, events[2])
	assert.Equal(t, "result", events[3].kind)
	assert.Equal(t, int64(1), pool.AvailableCount())
	assert.Equal(t, int64(0), pool.FailedCount())
}

func TestGradeWholePageStreamUpstreamErrorQuarantinesKey(t *testing.T) {
	fp := &fakeProvider{err: errors.New("upstream 500")}
	e, pool := newTestEngine(t, fp, []string{"sk-stream-key-dd"}, 0)

	var errorsSeen, resultsSeen int
	e.GradeWholePageStream(context.Background(), []byte("img"),
		func(string) {},
		func(string) {},
		func(*core.BatchResult) { resultsSeen++ },
		func(msg string) {
			errorsSeen++
			assert.Contains(t, msg, "批改失败")
		})

	assert.Equal(t, 1, errorsSeen, "exactly one terminal event")
	assert.Equal(t, 0, resultsSeen)
	assert.Equal(t, int64(0), pool.AvailableCount())
	assert.Equal(t, int64(1), pool.FailedCount())
}

func TestGradeWholePageStreamEmptyPoolErrors(t *testing.T) {
	fp := &fakeProvider{chunks: []string{"A"}}
	e, _ := newTestEngine(t, fp, nil, 0)

	var errorsSeen int
	e.GradeWholePageStream(context.Background(), []byte("img"),
		func(string) {},
		func(string) {},
		func(*core.BatchResult) { t.Fatal("no result expected") },
		func(string) { errorsSeen++ })

	assert.Equal(t, 1, errorsSeen)
	assert.Equal(t, 0, fp.calls)
}

func TestGradeSingleCharBlocking(t *testing.T) {
	fp := &fakeProvider{responses: []string{"字：永\n结构：82 分 | 笔画：78 分 | 重心：80 分 | 间架：75 分 | 综合：79 分\n【总评】\n不错"}}
	e, pool := newTestEngine(t, fp, []string{"sk-single-key-ee"}, 0)

	result, err := e.GradeSingleChar(context.Background(), []byte("img"))

	require.NoError(t, err)
	assert.Equal(t, "永", result.RecognizedChar)
	assert.Equal(t, 79, result.OverallScore)
	assert.True(t, strings.HasPrefix(result.TaskID, "single-"))
	assert.Equal(t, int64(1), pool.AvailableCount())
}

func TestGradeSingleCharMultiAgent(t *testing.T) {
	fp := &fakeProvider{responses: []string{
		`{"structureScore": 81, "structureComment": "间架匀称"}`,
		`{"strokeScore": 77, "strokeComment": "笔锋有力"}`,
		`{"overallScore": 80, "overallComment": "很有潜力", "suggestion": "坚持每日一练"}`,
	}}
	e, pool := newTestEngine(t, fp, []string{"sk-agents-key-ff"}, 0)
	e.cfg.MultiAgentEnabled = true

	result, err := e.GradeSingleChar(context.Background(), []byte("img"))

	require.NoError(t, err)
	assert.Equal(t, 3, fp.calls, "three passes share one lease")
	assert.Equal(t, 81, result.StructureScore)
	assert.Equal(t, "间架匀称", result.StructureDetail)
	assert.Equal(t, 77, result.StrokeScore)
	assert.Equal(t, 80, result.OverallScore)
	assert.Equal(t, "坚持每日一练", result.Suggestion)
	assert.Equal(t, int64(1), pool.AvailableCount())

	// The third pass carries the first two critiques.
	require.Len(t, fp.prompts, 3)
	assert.Contains(t, fp.prompts[2], "间架匀称")
	assert.Contains(t, fp.prompts[2], "笔锋有力")
}

func TestGradeSingleCharStream(t *testing.T) {
	fp := &fakeProvider{chunks: []string{"字：永\n", "结构：82 分 | 笔画：78 分 | 重心：80 分 | 间架：75 分 | 综合：79 分"}}
	e, _ := newTestEngine(t, fp, []string{"sk-sstream-key-g"}, 0)

	var tokens int
	var result *core.SingleCharResult
	e.GradeSingleCharStream(context.Background(), []byte("img"),
		func(string) {},
		func(string) { tokens++ },
		func(r *core.SingleCharResult) { result = r },
		func(msg string) { t.Fatalf("unexpected error: %s", msg) })

	require.NotNil(t, result)
	assert.Equal(t, 2, tokens)
	assert.Equal(t, "永", result.RecognizedChar)
	assert.Equal(t, 79, result.OverallScore)
}

func TestParseBatchResponseDetectsLegacyJSON(t *testing.T) {
	legacy := `{"totalCharCount": 4, "overallScore": 68, "summaryComment": "有进步"}`
	result := parseBatchResponse(legacy, "task-detect")

	assert.Equal(t, 4, result.TotalCharacters)
	assert.Equal(t, 68, result.AvgOverallScore)
	assert.Equal(t, "有进步", result.SummaryComment)
}

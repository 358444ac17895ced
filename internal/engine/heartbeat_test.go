package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *emitRecorder) emit(msg string) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestHeartbeatEmitsNothingAfterFirstToken(t *testing.T) {
	rec := &emitRecorder{}
	hb := startHeartbeat([]string{"思考中", "快好了"}, 2*time.Millisecond, rec.emit)
	defer hb.Stop()

	require.Eventually(t, func() bool { return rec.count() > 0 },
		time.Second, time.Millisecond, "ticker must emit before the token arrives")

	assert.True(t, hb.MarkFirstToken())
	assert.False(t, hb.MarkFirstToken(), "only the first call flips the flag")

	// Once MarkFirstToken has returned, any tick holding the lock has
	// finished emitting; nothing more may arrive.
	n := rec.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, rec.count(), "thinking message emitted after the first token")
}

func TestHeartbeatLastMessageIsSticky(t *testing.T) {
	rec := &emitRecorder{}
	hb := startHeartbeat([]string{"第一条", "最后一条"}, 2*time.Millisecond, rec.emit)

	require.Eventually(t, func() bool { return rec.count() >= 4 },
		time.Second, time.Millisecond)
	hb.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "第一条", rec.messages[0])
	for _, msg := range rec.messages[1:] {
		assert.Equal(t, "最后一条", msg, "heartbeat must keep repeating the last message")
	}
}

func TestHeartbeatStopIsIdempotent(t *testing.T) {
	rec := &emitRecorder{}
	hb := startHeartbeat(wholePageThinking, time.Millisecond, rec.emit)
	hb.Stop()
	hb.Stop()

	n := rec.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, rec.count())
}

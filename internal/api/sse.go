package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// sseEmitter writes named server-sent events. Send failures mean the client
// went away; they are logged and swallowed so the grading pipeline finishes
// undisturbed.
type sseEmitter struct {
	w  http.ResponseWriter
	fl http.Flusher
	mu sync.Mutex
}

func newSSEEmitter(w http.ResponseWriter) (*sseEmitter, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &sseEmitter{w: w, fl: fl}, nil
}

// send emits one named event. Multi-line payloads become multiple data
// lines per the SSE framing rules.
func (e *sseEmitter) send(event, data string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := e.w.Write([]byte(b.String())); err != nil {
		slog.Warn("sse send failed, client likely disconnected", "event", event, "error", err)
		return
	}
	e.fl.Flush()
}

// sendJSON emits one named event with a JSON payload.
func (e *sseEmitter) sendJSON(event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("sse payload marshal failed", "event", event, "error", err)
		return
	}
	e.send(event, string(payload))
}

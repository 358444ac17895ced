package engine

import (
	"sync"
	"time"
)

// Reassurance strings shown while the model thinks. The last message is
// sticky: the heartbeat stops advancing past it but keeps repeating it until
// the first token lands.
var wholePageThinking = []string{
	"正在上传图片到 AI 模型...",
	"AI 正在观察作业整体布局...",
	"正在分析字的间架结构...",
	"正在评估笔画力度与走势...",
	"正在识别每个字的特征...",
	"正在对比标准字帖...",
	"正在撰写专业点评...",
	"AI 思考中，大型模型需要更多时间...",
	"即将完成，请再稍等片刻...",
}

var singleCharThinking = []string{
	"正在上传图片到 AI 模型...",
	"AI 正在细察这个字的每一笔...",
	"正在分析结构比例...",
	"正在评估笔画力度...",
	"正在分析重心与间架...",
	"正在撰写深度点评...",
	"AI 思考中，请稍等...",
}

const heartbeatInterval = 3 * time.Second

// heartbeat emits a thinking message every interval until the first upstream
// token arrives or the request finishes. The mutex orders emission against
// MarkFirstToken: a tick emits only while the flag is down, and the flag
// flips under the same lock, so no thinking message can follow the first
// token downstream.
type heartbeat struct {
	mu         sync.Mutex
	firstToken bool
	done       chan struct{}
	stopOnce   sync.Once
}

// startHeartbeat launches the ticker goroutine. emit must be safe to call
// from that goroutine.
func startHeartbeat(messages []string, interval time.Duration, emit func(string)) *heartbeat {
	h := &heartbeat{done: make(chan struct{})}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idx := 0
		for {
			select {
			case <-ticker.C:
				h.mu.Lock()
				if h.firstToken {
					h.mu.Unlock()
					return
				}
				emit(messages[min(idx, len(messages)-1)])
				h.mu.Unlock()
				idx++
			case <-h.done:
				return
			}
		}
	}()
	return h
}

// MarkFirstToken flips the flag and reports whether this call did the flip.
// Callers forward the token only after it returns, so any tick holding the
// lock has finished emitting first.
func (h *heartbeat) MarkFirstToken() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.firstToken {
		return false
	}
	h.firstToken = true
	return true
}

// Stop terminates the ticker goroutine promptly.
func (h *heartbeat) Stop() {
	h.mu.Lock()
	h.firstToken = true
	h.mu.Unlock()
	h.stopOnce.Do(func() { close(h.done) })
}

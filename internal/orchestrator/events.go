package orchestrator

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventMessage = "message"
	EventState   = "state"
	EventToken   = "token"
)

// Event is the SSE payload wrapper.
type Event struct {
	Event   string `json:"event"`
	RunID   string `json:"run_id"`
	Payload any    `json:"payload,omitempty"`
}

type subscriber chan []byte

// Hub fans run events out to SSE subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[subscriber]struct{} // runID -> subscribers

	tokMu    sync.Mutex
	tokBuf   map[string]map[string]string // runID -> taskID -> buffered chunks
	tokTick  map[string]chan struct{}     // runID -> stop channel
	interval time.Duration
}

func NewHub() *Hub {
	return &Hub{
		subs:     map[string]map[subscriber]struct{}{},
		tokBuf:   map[string]map[string]string{},
		tokTick:  map[string]chan struct{}{},
		interval: 100 * time.Millisecond,
	}
}

func (h *Hub) Subscribe(runID string) (<-chan []byte, func()) {
	ch := make(subscriber, 64)
	h.mu.Lock()
	set := h.subs[runID]
	if set == nil {
		set = map[subscriber]struct{}{}
		h.subs[runID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[runID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, runID)
				}
			}
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Publish never blocks; slow subscribers miss events.
func (h *Hub) Publish(runID string, ev Event) {
	ev.RunID = runID
	b, _ := json.Marshal(ev)
	h.mu.RLock()
	for ch := range h.subs[runID] {
		select {
		case ch <- b:
		default:
		}
	}
	h.mu.RUnlock()
}

// TokenAppender buffers streamed chunks per task and flushes them as
// coalesced token events on a fixed cadence.
func (h *Hub) TokenAppender(runID string) func(taskID, chunk string) {
	h.tokMu.Lock()
	if _, ok := h.tokBuf[runID]; !ok {
		h.tokBuf[runID] = map[string]string{}
	}
	if _, ok := h.tokTick[runID]; !ok {
		stop := make(chan struct{})
		h.tokTick[runID] = stop
		go h.flushLoop(runID, stop)
	}
	h.tokMu.Unlock()
	return func(taskID, chunk string) {
		if chunk == "" || taskID == "" {
			return
		}
		h.tokMu.Lock()
		if buf, ok := h.tokBuf[runID]; ok {
			buf[taskID] += chunk
		}
		h.tokMu.Unlock()
	}
}

func (h *Hub) flushLoop(runID string, stop <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.flush(runID, h.take(runID, false))
		}
	}
}

func (h *Hub) take(runID string, remove bool) map[string]string {
	h.tokMu.Lock()
	defer h.tokMu.Unlock()
	buf := h.tokBuf[runID]
	if remove {
		delete(h.tokBuf, runID)
		return buf
	}
	if len(buf) == 0 {
		return nil
	}
	out := make(map[string]string, len(buf))
	for id, s := range buf {
		if s != "" {
			out[id] = s
		}
		delete(buf, id)
	}
	return out
}

func (h *Hub) flush(runID string, payloads map[string]string) {
	for taskID, chunk := range payloads {
		if chunk == "" {
			continue
		}
		h.Publish(runID, Event{Event: EventToken, Payload: map[string]any{"task_id": taskID, "chunk": chunk}})
	}
}

// StopTokenAppender stops the coalescer for a run and flushes what is left.
func (h *Hub) StopTokenAppender(runID string) {
	h.tokMu.Lock()
	if ch, ok := h.tokTick[runID]; ok {
		close(ch)
		delete(h.tokTick, runID)
	}
	h.tokMu.Unlock()
	h.flush(runID, h.take(runID, true))
}

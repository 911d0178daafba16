package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/taskpilot/internal/models"
)

// SessionLog persists run messages. *storage.DB implements it.
type SessionLog interface {
	Save(ctx context.Context, sessionID, query, response string, metadata map[string]any) error
}

const (
	logQueueSize   = 128
	logSaveTimeout = 5 * time.Second
)

// logQueue writes messages to the session log off the run goroutine. Full
// queues drop messages rather than stall the run.
type logQueue struct {
	log       SessionLog
	sessionID string
	goal      string
	logger    *slog.Logger

	mu     sync.Mutex
	ch     chan models.Message
	closed bool
	done   chan struct{}
}

func newLogQueue(log SessionLog, sessionID, goal string, logger *slog.Logger) *logQueue {
	q := &logQueue{log: log, sessionID: sessionID, goal: goal, logger: logger, done: make(chan struct{})}
	if log == nil {
		close(q.done)
		return q
	}
	q.ch = make(chan models.Message, logQueueSize)
	go q.drain()
	return q
}

func (q *logQueue) push(m models.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil || q.closed {
		return
	}
	select {
	case q.ch <- m:
	default:
		q.logger.Warn("session log queue full, dropping message", "type", m.Type)
	}
}

func (q *logQueue) drain() {
	defer close(q.done)
	for m := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), logSaveTimeout)
		meta := map[string]any{"type": string(m.Type)}
		if m.TaskID != "" {
			meta["task_id"] = m.TaskID
		}
		if m.ParentTaskID != "" {
			meta["parent_task_id"] = m.ParentTaskID
		}
		if m.Status != "" {
			meta["status"] = string(m.Status)
		}
		response := m.Value
		if m.Info != "" {
			response += "\n\n" + m.Info
		}
		if err := q.log.Save(ctx, q.sessionID, q.goal, response, meta); err != nil {
			q.logger.Warn("session log write failed", "error", err)
		}
		cancel()
	}
}

// close stops accepting messages; queued ones are still written.
func (q *logQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch == nil || q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// wait blocks until queued messages are written or ctx ends.
func (q *logQueue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

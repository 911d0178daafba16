package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces model calls per session. A nil *Limiter never blocks.
type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	sessions map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLimiter allows perMinute calls per session with the given burst.
// perMinute <= 0 disables limiting.
func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     30 * time.Minute,
		sessions: map[string]*limiterEntry{},
		now:      time.Now,
	}
}

func (l *Limiter) Wait(ctx context.Context, session string) error {
	if l == nil {
		return nil
	}
	return l.get(session).Wait(ctx)
}

func (l *Limiter) get(session string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, e := range l.sessions {
		if now.Sub(e.seen) > l.idle {
			delete(l.sessions, k)
		}
	}
	e, ok := l.sessions[session]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.sessions[session] = e
	}
	e.seen = now
	return e.lim
}

package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Throttle drops a record when the same level, message and attributes were
// handled less than window ago. State is shared by handlers derived through
// WithAttrs/WithGroup.
type Throttle struct {
	next   slog.Handler
	window time.Duration
	state  *throttleState
	// scope holds the attrs and groups added by WithAttrs/WithGroup.
	scope string
}

type throttleState struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewThrottle(next slog.Handler, window time.Duration) *Throttle {
	return &Throttle{
		next:   next,
		window: window,
		state:  &throttleState{seen: map[string]time.Time{}, now: time.Now},
	}
}

func (t *Throttle) Enabled(ctx context.Context, level slog.Level) bool {
	return t.next.Enabled(ctx, level)
}

func (t *Throttle) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Level.String())
	b.WriteString("|")
	b.WriteString(r.Message)
	b.WriteString("|")
	b.WriteString(t.scope)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	key := b.String()
	s := t.state
	s.mu.Lock()
	now := s.now()
	if last, ok := s.seen[key]; ok && now.Sub(last) < t.window {
		s.mu.Unlock()
		return nil
	}
	s.seen[key] = now
	if len(s.seen) > 1024 {
		for k, v := range s.seen {
			if now.Sub(v) >= t.window {
				delete(s.seen, k)
			}
		}
	}
	s.mu.Unlock()
	return t.next.Handle(ctx, r)
}

func (t *Throttle) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(t.scope)
	for _, a := range attrs {
		writeAttr(&b, a)
	}
	return &Throttle{next: t.next.WithAttrs(attrs), window: t.window, state: t.state, scope: b.String()}
}

func (t *Throttle) WithGroup(name string) slog.Handler {
	return &Throttle{next: t.next.WithGroup(name), window: t.window, state: t.state, scope: t.scope + name + "."}
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	b.WriteString(a.Key)
	b.WriteString("=")
	b.WriteString(a.Value.Resolve().String())
	b.WriteString(" ")
}

// Package agents holds the four planning skills of an agent run: starting a
// goal, analysing a task, executing it and deriving follow-up tasks.
package agents

import (
	"context"
	"log/slog"
	"strings"

	"github.com/example/taskpilot/internal/search"
)

// Completer is the model client. *llm.Client implements it.
type Completer interface {
	Call(ctx context.Context, template string, vars map[string]string) (string, error)
	Stream(ctx context.Context, template string, vars map[string]string, onDelta func(chunk string)) (string, error)
}

// Result is the outcome of a planning skill. Value is always usable. When
// Fallback is set Value came from a heuristic, and Err, if non-nil, is what
// forced it.
type Result[T any] struct {
	Value    T
	Fallback bool
	Err      error
}

func ok[T any](v T) Result[T] { return Result[T]{Value: v} }

func fallback[T any](v T, err error) Result[T] {
	return Result[T]{Value: v, Fallback: true, Err: err}
}

// Service runs the planning skills for one agent run.
type Service struct {
	llm    Completer
	search search.Provider
	filter FilterConfig
	logger *slog.Logger
}

type Option func(*Service)

// WithSearch sets the provider used by ExecuteTask. nil disables search.
func WithSearch(p search.Provider) Option {
	return func(s *Service) { s.search = p }
}

func WithFilter(f FilterConfig) Option {
	return func(s *Service) { s.filter = f.withDefaults() }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(c Completer, opts ...Option) *Service {
	s := &Service{
		llm:    c,
		filter: DefaultFilter(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "agents")
	return s
}

func language(l string) string {
	if l = strings.TrimSpace(l); l == "" {
		return "English"
	}
	return l
}

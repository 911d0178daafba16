package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

const ProviderMock models.Provider = "mock"

// MockBackend replays scripted responses. With Handler set it answers every
// prompt through it; otherwise Responses are returned in order and the last
// one repeats.
type MockBackend struct {
	Responses []string
	Handler   func(prompt string) (string, error)
	// StreamErr makes StreamCall fail so callers fall back to Call.
	StreamErr error
	// MissingKey makes Validate fail like an unconfigured provider.
	MissingKey bool

	mu      sync.Mutex
	prompts []string
	next    int
	streams int
}

func (m *MockBackend) Name() models.Provider { return ProviderMock }
func (m *MockBackend) Endpoint() string      { return "mock://local" }
func (m *MockBackend) ModelName() string     { return "mock" }

func (m *MockBackend) Validate() error {
	if m.MissingKey {
		return errors.Config(string(ProviderMock), errors.ErrMissingAPIKey)
	}
	return nil
}

func (m *MockBackend) Call(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, req.Prompt)
	handler := m.Handler
	var out string
	if handler == nil && len(m.Responses) > 0 {
		i := m.next
		if i >= len(m.Responses) {
			i = len(m.Responses) - 1
		} else {
			m.next++
		}
		out = m.Responses[i]
	}
	m.mu.Unlock()
	if handler != nil {
		return handler(req.Prompt)
	}
	return out, nil
}

func (m *MockBackend) StreamCall(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	m.mu.Lock()
	m.streams++
	streamErr := m.StreamErr
	m.mu.Unlock()
	if streamErr != nil {
		return "", streamErr
	}
	out, err := m.Call(ctx, req)
	if err != nil {
		return "", err
	}
	if onDelta != nil {
		for _, w := range strings.SplitAfter(out, " ") {
			if w == "" {
				continue
			}
			if err := onDelta(w); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// Prompts returns every prompt seen so far.
func (m *MockBackend) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

func (m *MockBackend) StreamCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams
}

package llm

import (
	"context"
	"net/url"
	"strings"

	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

// Request is one generation call.
type Request struct {
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Backend is a single model provider. Implementations must not meter tokens;
// Client does that.
type Backend interface {
	Name() models.Provider
	Endpoint() string
	ModelName() string
	// Validate fails with a config error before any network traffic.
	Validate() error
	Call(ctx context.Context, req Request) (string, error)
	// StreamCall delivers text deltas in order and returns the full text.
	StreamCall(ctx context.Context, req Request, onDelta func(chunk string) error) (string, error)
}

func validate(name models.Provider, apiKey, endpoint string) error {
	op := string(name)
	if strings.TrimSpace(apiKey) == "" {
		return errors.Config(op, errors.ErrMissingAPIKey)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Config(op, errors.ErrInvalidEndpoint)
	}
	return nil
}

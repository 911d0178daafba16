package agents

import (
	"log/slog"

	"github.com/example/taskpilot/internal/models"
	"github.com/example/taskpilot/internal/providers/llm"
	"github.com/example/taskpilot/internal/search"
)

// Factory builds a Service for each run from the caller's settings and the
// server's configuration.
type Factory struct {
	Defaults llm.Defaults
	// Gate meters runs on the demo keys. Runs with the caller's own key are
	// not metered.
	Gate    llm.TokenGate
	Limiter *llm.Limiter
	Search  search.Config
	Filter  FilterConfig
	Logger  *slog.Logger

	// Backend and SearchProvider replace the configured ones when set.
	Backend        llm.Backend
	SearchProvider search.Provider
}

// Build returns the planning service and the model client behind it.
func (f *Factory) Build(settings models.ModelSettings, sessionID string) (*Service, *llm.Client, error) {
	backend := f.Backend
	if backend == nil {
		b, err := llm.NewBackend(settings, f.Defaults)
		if err != nil {
			return nil, nil, err
		}
		backend = b
	}

	temperature := firstPositive(settings.Temperature, f.Defaults.Temperature, 0.7)
	maxTokens := int(firstPositive(float64(settings.MaxTokens), float64(f.Defaults.MaxTokens), 1000))
	opts := []llm.ClientOption{
		llm.WithGeneration(temperature, maxTokens),
		llm.WithLimiter(f.Limiter),
		llm.WithLogger(f.Logger),
		llm.WithSession(sessionID),
	}
	if f.Gate != nil && !llm.UsesOwnKey(settings, f.Defaults) {
		opts = append(opts, llm.WithGate(f.Gate))
	}
	client := llm.NewClient(backend, opts...)

	var sp search.Provider
	if settings.WebSearch {
		sp = f.SearchProvider
		if sp == nil {
			cfg := f.Search
			if settings.SearchProvider != "" {
				cfg.Provider = settings.SearchProvider
			}
			sp = search.NewFromConfig(cfg, f.Logger)
		}
	}
	svc := NewService(client,
		WithSearch(sp),
		WithFilter(f.Filter),
		WithLogger(f.Logger),
	)
	return svc, client, nil
}

func firstPositive(vs ...float64) float64 {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}

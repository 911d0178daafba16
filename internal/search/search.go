// Package search provides the web search used to ground task execution.
package search

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Provider returns at most MaxResults results. Implementations apply their
// own timeout to every call.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) ([]Result, error)
}

const (
	ProviderDuckDuckGo = "duckduckgo"
	ProviderSerper     = "serper"
)

type Config struct {
	Provider     string
	SerperAPIKey string
	MaxResults   int
	SnippetChars int
	Timeout      time.Duration
	// FetchPages > 0 enriches that many top results with page text.
	FetchPages   int
	MaxPageBytes int64
}

func (c Config) withDefaults() Config {
	if c.MaxResults <= 0 {
		c.MaxResults = 5
	}
	if c.SnippetChars <= 0 {
		c.SnippetChars = 300
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxPageBytes <= 0 {
		c.MaxPageBytes = 2 << 20
	}
	return c
}

// NewFromConfig returns the configured provider, or nil when search is not
// available. Callers treat nil as "no search context".
func NewFromConfig(cfg Config, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	hc := &http.Client{Timeout: cfg.Timeout}

	var p Provider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderDuckDuckGo, "ddg":
		p = NewDuckDuckGo(cfg, hc)
	case ProviderSerper:
		if strings.TrimSpace(cfg.SerperAPIKey) == "" {
			logger.Warn("serper selected without an API key, search disabled")
			return nil
		}
		p = NewSerper(cfg.SerperAPIKey, cfg, hc)
	case "none", "off":
		return nil
	default:
		logger.Warn("unknown search provider, search disabled", "provider", cfg.Provider)
		return nil
	}
	if cfg.FetchPages > 0 {
		p = NewPageFetcher(p, cfg, hc, logger)
	}
	return p
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "..."
}

func limit(results []Result, cfg Config) []Result {
	if len(results) > cfg.MaxResults {
		results = results[:cfg.MaxResults]
	}
	for i := range results {
		results[i].Snippet = clip(results[i].Snippet, cfg.SnippetChars)
		results[i].Title = clip(results[i].Title, 200)
	}
	return results
}

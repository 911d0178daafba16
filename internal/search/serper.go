package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const serperEndpoint = "https://google.serper.dev/search"

// Serper queries the serper.dev Google search API.
type Serper struct {
	apiKey   string
	endpoint string
	cfg      Config
	hc       *http.Client
}

func NewSerper(apiKey string, cfg Config, hc *http.Client) *Serper {
	cfg = cfg.withDefaults()
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Serper{apiKey: apiKey, endpoint: serperEndpoint, cfg: cfg, hc: hc}
}

func (s *Serper) Name() string { return ProviderSerper }

func (s *Serper) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	b, _ := json.Marshal(map[string]any{"q": query, "num": s.cfg.MaxResults})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	res, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper: status %d", res.StatusCode)
	}
	var body struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
		AnswerBox *struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Answer  string `json:"answer"`
			Snippet string `json:"snippet"`
		} `json:"answerBox"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("serper: decode: %w", err)
	}
	var out []Result
	if ab := body.AnswerBox; ab != nil && ab.Link != "" {
		snippet := ab.Answer
		if snippet == "" {
			snippet = ab.Snippet
		}
		out = append(out, Result{Title: ab.Title, URL: ab.Link, Snippet: snippet})
	}
	for _, o := range body.Organic {
		if o.Link == "" {
			continue
		}
		out = append(out, Result{Title: o.Title, URL: o.Link, Snippet: o.Snippet})
	}
	return limit(out, s.cfg), nil
}

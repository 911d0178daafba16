package search

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	pdfx "github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

const maxPDFPages = 10

// PageFetcher wraps a Provider and replaces the snippets of the top results
// with text fetched from the pages themselves. Fetch failures keep the
// original snippet.
type PageFetcher struct {
	inner  Provider
	cfg    Config
	hc     *http.Client
	logger *slog.Logger
}

func NewPageFetcher(inner Provider, cfg Config, hc *http.Client, logger *slog.Logger) *PageFetcher {
	cfg = cfg.withDefaults()
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PageFetcher{inner: inner, cfg: cfg, hc: hc, logger: logger.With("component", "search")}
}

func (p *PageFetcher) Name() string { return p.inner.Name() }

func (p *PageFetcher) Search(ctx context.Context, query string) ([]Result, error) {
	results, err := p.inner.Search(ctx, query)
	if err != nil || len(results) == 0 {
		return results, err
	}
	n := min(p.cfg.FetchPages, len(results))

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	texts := make([]string, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			text, err := p.fetch(gctx, results[i].URL)
			if err != nil {
				p.logger.Debug("page fetch failed", "url", results[i].URL, "error", err)
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	_ = g.Wait()

	// page text gets a larger budget than a search snippet
	for i, t := range texts {
		if t != "" {
			results[i].Snippet = clip(t, p.cfg.SnippetChars*4)
		}
	}
	return results, nil
}

func (p *PageFetcher) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; taskpilot/1.0)")
	res, err := p.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", res.StatusCode)
	}
	lr := &io.LimitedReader{R: res.Body, N: p.cfg.MaxPageBytes}
	body, err := io.ReadAll(lr)
	if err != nil {
		return "", err
	}
	mt, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	switch {
	case mt == "application/pdf" || bytes.HasPrefix(body, []byte("%PDF-")):
		if lr.N == 0 {
			return "", fmt.Errorf("pdf larger than %d bytes", p.cfg.MaxPageBytes)
		}
		return pdfText(body)
	case mt == "" || strings.Contains(mt, "html"):
		doc, err := html.Parse(bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		return htmlToText(doc), nil
	case strings.HasPrefix(mt, "text/"):
		return compactWhitespace(string(body)), nil
	}
	return "", fmt.Errorf("unsupported content type %q", mt)
}

func pdfText(data []byte) (text string, err error) {
	// the pdf reader panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf: %v", r)
		}
	}()
	r, err := pdfx.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for i := 1; i <= r.NumPage() && i <= maxPDFPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		t, _ := page.GetPlainText(nil)
		if t = strings.TrimSpace(t); t != "" {
			out.WriteString(t)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String()), nil
}

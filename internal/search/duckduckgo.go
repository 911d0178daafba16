package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the keyless HTML results page.
type DuckDuckGo struct {
	endpoint string
	cfg      Config
	hc       *http.Client
}

func NewDuckDuckGo(cfg Config, hc *http.Client) *DuckDuckGo {
	cfg = cfg.withDefaults()
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &DuckDuckGo{endpoint: duckDuckGoEndpoint, cfg: cfg, hc: hc}
}

func (d *DuckDuckGo) Name() string { return ProviderDuckDuckGo }

func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	u := d.endpoint + "?" + url.Values{"q": {query}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; taskpilot/1.0)")
	res, err := d.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo: status %d", res.StatusCode)
	}
	doc, err := html.Parse(io.LimitReader(res.Body, d.cfg.MaxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse: %w", err)
	}
	return limit(parseDuckDuckGo(doc), d.cfg), nil
}

func parseDuckDuckGo(doc *html.Node) []Result {
	var out []Result
	seen := map[string]bool{}
	blocks := findAll(doc, func(n *html.Node) bool {
		return hasClass(n, "result") && !hasClass(n, "result--ad")
	})
	for _, b := range blocks {
		links := findAll(b, func(n *html.Node) bool { return n.Data == "a" && hasClass(n, "result__a") })
		if len(links) == 0 {
			continue
		}
		target := resolveRedirect(attr(links[0], "href"))
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true
		r := Result{Title: nodeText(links[0]), URL: target}
		if sn := findAll(b, func(n *html.Node) bool { return hasClass(n, "result__snippet") }); len(sn) > 0 {
			r.Snippet = nodeText(sn[0])
		}
		out = append(out, r)
	}
	return out
}

// resolveRedirect unwraps "//duckduckgo.com/l/?uddg=<target>" links.
func resolveRedirect(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

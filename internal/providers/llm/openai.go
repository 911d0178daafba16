package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

// chatCompletions speaks the OpenAI chat-completions dialect shared by Groq
// and OpenRouter.
type chatCompletions struct {
	provider   models.Provider
	apiKey     string
	model      string
	url        string
	headers    map[string]string
	httpClient *http.Client
}

func (c *chatCompletions) Name() models.Provider { return c.provider }
func (c *chatCompletions) Endpoint() string      { return c.url }
func (c *chatCompletions) ModelName() string     { return c.model }
func (c *chatCompletions) Validate() error       { return validate(c.provider, c.apiKey, c.url) }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func (c *chatCompletions) body(req Request, stream bool) chatRequest {
	return chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (c *chatCompletions) Call(ctx context.Context, req Request) (string, error) {
	op := string(c.provider) + " call"
	res, err := post(ctx, c.httpClient, c.url, c.authHeaders(), c.body(req, false), op)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.Parse(op, err)
	}
	if len(out.Choices) == 0 {
		return "", errors.Parse(op, errors.New("no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

func (c *chatCompletions) StreamCall(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	op := string(c.provider) + " stream"
	res, err := post(ctx, c.httpClient, c.url, c.authHeaders(), c.body(req, true), op)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var full strings.Builder
	sc := newLineReader(res.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// blank separators and ": keep-alive" comments
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return full.String(), nil
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return full.String(), errors.E(errors.KindProvider, op, errors.New(chunk.Error.Message))
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		s := chunk.Choices[0].Delta.Content
		full.WriteString(s)
		if onDelta != nil {
			if err := onDelta(s); err != nil {
				return full.String(), err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return full.String(), errors.Network(op, err)
	}
	if full.Len() == 0 {
		return "", errors.Parse(op, errors.New("empty stream"))
	}
	return full.String(), nil
}

func (c *chatCompletions) authHeaders() map[string]string {
	h := map[string]string{"Authorization": "Bearer " + c.apiKey}
	for k, v := range c.headers {
		h[k] = v
	}
	return h
}

// post sends one JSON request. Generation calls are never retried; non-2xx
// responses become provider errors carrying the status.
func post(ctx context.Context, hc *http.Client, url string, headers map[string]string, body any, op string) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Parse(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, errors.Config(op, errors.ErrInvalidEndpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	res, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Network(op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		res.Body.Close()
		return nil, errors.Provider(op, res.StatusCode, strings.TrimSpace(string(detail)))
	}
	return res, nil
}

// DefaultTimeout bounds a single provider request.
const DefaultTimeout = 45 * time.Second

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

// newLineReader returns a scanner for SSE and NDJSON lines.
func newLineReader(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)
	return sc
}

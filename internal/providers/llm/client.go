package llm

import (
	"context"
	"log/slog"
	"regexp"
	"unicode/utf8"

	"github.com/example/taskpilot/internal/budget"
)

// TokenGate is the slice of budget.Gate the client needs.
type TokenGate interface {
	Check(ctx context.Context, sessionID string, estimate int) error
	Consume(ctx context.Context, sessionID string, amount int) (budget.ConsumeResult, error)
}

// Client wraps a Backend with templating, metering and pacing.
type Client struct {
	backend     Backend
	gate        TokenGate
	sessionID   string
	limiter     *Limiter
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

type ClientOption func(*Client)

// WithGate meters every call against the client's session. Omit it for runs
// that use the caller's own key.
func WithGate(g TokenGate) ClientOption {
	return func(c *Client) { c.gate = g }
}

// WithSession names the session that calls are metered and paced under.
func WithSession(id string) ClientOption {
	return func(c *Client) { c.sessionID = id }
}

func WithLimiter(l *Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

func WithGeneration(temperature float64, maxTokens int) ClientOption {
	return func(c *Client) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(b Backend, opts ...ClientOption) *Client {
	c := &Client{
		backend:     b,
		temperature: 0.7,
		maxTokens:   1000,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "llm", "provider", string(b.Name()))
	return c
}

func (c *Client) Backend() Backend { return c.backend }

// Metered reports whether calls count against the demo allowance.
func (c *Client) Metered() bool { return c.gate != nil }

// Call renders template with vars and returns the complete response.
func (c *Client) Call(ctx context.Context, template string, vars map[string]string) (string, error) {
	prompt, err := c.prepare(ctx, template, vars)
	if err != nil {
		return "", err
	}
	out, err := c.backend.Call(ctx, c.request(prompt))
	if err != nil {
		return "", err
	}
	c.consume(ctx, prompt, out)
	return out, nil
}

// Stream is Call with incremental delivery. Any streaming failure falls back
// to a single non-streaming call.
func (c *Client) Stream(ctx context.Context, template string, vars map[string]string, onDelta func(chunk string)) (string, error) {
	prompt, err := c.prepare(ctx, template, vars)
	if err != nil {
		return "", err
	}
	ctxCB := deltaCallback(ctx)
	emit := func(s string) error {
		if onDelta != nil {
			onDelta(s)
		}
		if ctxCB != nil {
			ctxCB(s)
		}
		return nil
	}
	req := c.request(prompt)
	out, err := c.backend.StreamCall(ctx, req, emit)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("stream failed, falling back to single call", "error", err, "timeout", isTimeout(err))
		out, err = c.backend.Call(ctx, req)
		if err != nil {
			return "", err
		}
	}
	c.consume(ctx, prompt, out)
	return out, nil
}

func (c *Client) prepare(ctx context.Context, template string, vars map[string]string) (string, error) {
	if err := c.backend.Validate(); err != nil {
		return "", err
	}
	prompt := Render(template, vars)
	if c.gate != nil {
		if err := c.gate.Check(ctx, c.sessionID, EstimateTokens(prompt)); err != nil {
			return "", err
		}
	}
	if err := c.limiter.Wait(ctx, c.sessionID); err != nil {
		return "", err
	}
	return prompt, nil
}

func (c *Client) request(prompt string) Request {
	return Request{Prompt: prompt, Temperature: c.temperature, MaxTokens: c.maxTokens}
}

func (c *Client) consume(ctx context.Context, prompt, out string) {
	if c.gate == nil {
		return
	}
	used := EstimateTokens(prompt + out)
	if _, err := c.gate.Consume(ctx, c.sessionID, used); err != nil {
		c.logger.Warn("token consume failed", "session_id", c.sessionID, "tokens", used, "error", err)
	}
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes {name} placeholders. Unknown names are left as is.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// EstimateTokens approximates a token count as one token per four characters,
// rounded up.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

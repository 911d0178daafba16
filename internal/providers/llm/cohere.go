package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

const (
	CohereEndpoint     = "https://api.cohere.ai/v1/chat"
	CohereDefaultModel = "command-r"
)

// Cohere talks to the v1 chat API. Streams are newline-delimited JSON events.
type Cohere struct {
	apiKey     string
	model      string
	url        string
	httpClient *http.Client
}

func NewCohere(apiKey, model, endpoint string, hc *http.Client) *Cohere {
	return &Cohere{
		apiKey:     apiKey,
		model:      orDefault(model, CohereDefaultModel),
		url:        orDefault(endpoint, CohereEndpoint),
		httpClient: hc,
	}
}

func (c *Cohere) Name() models.Provider { return models.ProviderCohere }
func (c *Cohere) Endpoint() string      { return c.url }
func (c *Cohere) ModelName() string     { return c.model }
func (c *Cohere) Validate() error       { return validate(models.ProviderCohere, c.apiKey, c.url) }

type cohereRequest struct {
	Model       string  `json:"model"`
	Message     string  `json:"message"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream,omitempty"`
}

func (c *Cohere) body(req Request, stream bool) cohereRequest {
	return cohereRequest{
		Model:       c.model,
		Message:     req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (c *Cohere) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Accept":        "application/json",
	}
}

func (c *Cohere) Call(ctx context.Context, req Request) (string, error) {
	const op = "cohere call"
	res, err := post(ctx, c.httpClient, c.url, c.headers(), c.body(req, false), op)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", errors.Parse(op, err)
	}
	return out.Text, nil
}

type cohereEvent struct {
	EventType    string `json:"event_type"`
	Text         string `json:"text"`
	IsFinished   bool   `json:"is_finished"`
	FinishReason string `json:"finish_reason"`
}

func (c *Cohere) StreamCall(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	const op = "cohere stream"
	res, err := post(ctx, c.httpClient, c.url, c.headers(), c.body(req, true), op)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var full strings.Builder
	sc := newLineReader(res.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev cohereEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.EventType {
		case "text-generation":
			if ev.Text == "" {
				continue
			}
			full.WriteString(ev.Text)
			if onDelta != nil {
				if err := onDelta(ev.Text); err != nil {
					return full.String(), err
				}
			}
		case "stream-end":
			if ev.FinishReason == "ERROR" || ev.FinishReason == "ERROR_TOXIC" {
				return full.String(), errors.E(errors.KindProvider, op, errors.New("stream ended with "+ev.FinishReason))
			}
			return full.String(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return full.String(), errors.Network(op, err)
	}
	return full.String(), errors.Parse(op, errors.New("stream closed without stream-end"))
}

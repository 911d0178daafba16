package llm

import (
	"net/http"

	"github.com/example/taskpilot/internal/models"
)

const (
	GroqEndpoint     = "https://api.groq.com/openai/v1/chat/completions"
	GroqDefaultModel = "llama-3.1-8b-instant"

	OpenRouterEndpoint     = "https://openrouter.ai/api/v1/chat/completions"
	OpenRouterDefaultModel = "meta-llama/llama-3.1-8b-instruct:free"
)

// Groq is the OpenAI-compatible Groq endpoint.
type Groq struct{ chatCompletions }

func NewGroq(apiKey, model, endpoint string, hc *http.Client) *Groq {
	return &Groq{chatCompletions{
		provider:   models.ProviderGroq,
		apiKey:     apiKey,
		model:      orDefault(model, GroqDefaultModel),
		url:        orDefault(endpoint, GroqEndpoint),
		httpClient: hc,
	}}
}

// OpenRouter is OpenAI-compatible but sends ": OPENROUTER PROCESSING"
// comment lines while a stream warms up.
type OpenRouter struct{ chatCompletions }

func NewOpenRouter(apiKey, model, endpoint, referer string, hc *http.Client) *OpenRouter {
	headers := map[string]string{"X-Title": "taskpilot"}
	if referer != "" {
		headers["HTTP-Referer"] = referer
	}
	return &OpenRouter{chatCompletions{
		provider:   models.ProviderOpenRouter,
		apiKey:     apiKey,
		model:      orDefault(model, OpenRouterDefaultModel),
		url:        orDefault(endpoint, OpenRouterEndpoint),
		headers:    headers,
		httpClient: hc,
	}}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

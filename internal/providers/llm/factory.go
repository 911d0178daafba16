package llm

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

// ProviderDefaults is the server-side configuration for one provider. The key
// here is the demo key used when the caller brings none.
type ProviderDefaults struct {
	APIKey   string
	Model    string
	Endpoint string
}

type Defaults struct {
	Provider   models.Provider
	Groq       ProviderDefaults
	OpenRouter ProviderDefaults
	Cohere     ProviderDefaults
	// Referer is sent to OpenRouter as HTTP-Referer.
	Referer     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func (d Defaults) forProvider(p models.Provider) ProviderDefaults {
	switch p {
	case models.ProviderOpenRouter:
		return d.OpenRouter
	case models.ProviderCohere:
		return d.Cohere
	}
	return d.Groq
}

// ResolveProvider picks the settings' provider, then the default, then Groq.
func ResolveProvider(settings models.ModelSettings, d Defaults) (models.Provider, error) {
	raw := string(settings.Provider)
	if strings.TrimSpace(raw) == "" {
		raw = string(d.Provider)
	}
	if strings.TrimSpace(raw) == "" {
		return models.ProviderGroq, nil
	}
	p, ok := models.ParseProvider(raw)
	if !ok {
		return "", errors.Config("resolve provider", fmt.Errorf("unknown provider %q", raw))
	}
	return p, nil
}

// NewBackend builds the backend for settings. Caller-supplied key and model
// win over the defaults. The result is not validated; Client validates it
// before each call so a missing key surfaces as a config error.
func NewBackend(settings models.ModelSettings, d Defaults) (Backend, error) {
	p, err := ResolveProvider(settings, d)
	if err != nil {
		return nil, err
	}
	settings.Provider = p
	pd := d.forProvider(p)
	key := settings.APIKey()
	if key == "" {
		key = strings.TrimSpace(pd.APIKey)
	}
	model := strings.TrimSpace(settings.Model)
	if model == "" {
		model = pd.Model
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := &http.Client{Timeout: timeout}

	switch p {
	case models.ProviderOpenRouter:
		return NewOpenRouter(key, model, pd.Endpoint, d.Referer, hc), nil
	case models.ProviderCohere:
		return NewCohere(key, model, pd.Endpoint, hc), nil
	default:
		return NewGroq(key, model, pd.Endpoint, hc), nil
	}
}

// UsesOwnKey reports whether the caller brought a key for the selected
// provider. Those runs are not metered against the demo allowance.
func UsesOwnKey(settings models.ModelSettings, d Defaults) bool {
	p, err := ResolveProvider(settings, d)
	if err != nil {
		return false
	}
	settings.Provider = p
	return settings.APIKey() != ""
}

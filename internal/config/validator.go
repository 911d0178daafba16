package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/example/taskpilot/internal/models"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "warning", "error"}
}

func ValidSearchProviders() []string {
	return []string{"", "duckduckgo", "ddg", "serper", "none", "off"}
}

// Validate returns every invalid value, or nil.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateLLM()...)
	errs = append(errs, c.validateBudget()...)
	errs = append(errs, c.validateSearch()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateServer() []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, ValidationError{Field: "server.addr", Value: c.Server.Addr, Message: "must not be empty"})
	}
	if c.Server.MessageDelay < 0 {
		errs = append(errs, ValidationError{Field: "server.message_delay", Value: c.Server.MessageDelay, Message: "must be non-negative"})
	}
	if c.Server.RunRetention < 0 {
		errs = append(errs, ValidationError{Field: "server.run_retention", Value: c.Server.RunRetention, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateLLM() []ValidationError {
	var errs []ValidationError
	if c.LLM.Provider != "" {
		if _, ok := models.ParseProvider(c.LLM.Provider); !ok {
			errs = append(errs, ValidationError{
				Field:   "llm.provider",
				Value:   c.LLM.Provider,
				Message: "must be one of: groq, openrouter, cohere",
			})
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, ValidationError{Field: "llm.temperature", Value: c.LLM.Temperature, Message: "must be between 0 and 2"})
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, ValidationError{Field: "llm.max_tokens", Value: c.LLM.MaxTokens, Message: "must be positive"})
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "llm.timeout", Value: c.LLM.Timeout, Message: "must be positive"})
	}
	for name, p := range map[string]ProviderConfig{"groq": c.LLM.Groq, "openrouter": c.LLM.OpenRouter, "cohere": c.LLM.Cohere} {
		if p.Endpoint != "" && !isHTTPURL(p.Endpoint) {
			errs = append(errs, ValidationError{
				Field:   "llm." + name + ".endpoint",
				Value:   p.Endpoint,
				Message: "must be an http or https URL",
			})
		}
	}
	if c.LLM.RatePerMinute < 0 {
		errs = append(errs, ValidationError{Field: "llm.rate_per_minute", Value: c.LLM.RatePerMinute, Message: "must be non-negative"})
	}
	if c.LLM.RateBurst < 0 {
		errs = append(errs, ValidationError{Field: "llm.rate_burst", Value: c.LLM.RateBurst, Message: "must be non-negative"})
	}
	// map iteration order is random
	slices.SortFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errs
}

func (c *Config) validateBudget() []ValidationError {
	var errs []ValidationError
	if c.Budget.Allowance <= 0 {
		errs = append(errs, ValidationError{Field: "budget.allowance", Value: c.Budget.Allowance, Message: "must be positive"})
	}
	if c.Budget.Window <= 0 {
		errs = append(errs, ValidationError{Field: "budget.window", Value: c.Budget.Window, Message: "must be positive"})
	}
	if c.Budget.CacheTTL < 0 {
		errs = append(errs, ValidationError{Field: "budget.cache_ttl", Value: c.Budget.CacheTTL, Message: "must be non-negative"})
	}
	if c.Budget.StatusRetries < 0 {
		errs = append(errs, ValidationError{Field: "budget.status_retries", Value: c.Budget.StatusRetries, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateSearch() []ValidationError {
	var errs []ValidationError
	provider := strings.ToLower(strings.TrimSpace(c.Search.Provider))
	if !slices.Contains(ValidSearchProviders(), provider) {
		errs = append(errs, ValidationError{
			Field:   "search.provider",
			Value:   c.Search.Provider,
			Message: "must be one of: duckduckgo, serper, none",
		})
	}
	if provider == "serper" && c.Search.SerperAPIKey == "" {
		errs = append(errs, ValidationError{Field: "search.serper_api_key", Value: "", Message: "is required for the serper provider"})
	}
	if c.Search.MaxResults <= 0 {
		errs = append(errs, ValidationError{Field: "search.max_results", Value: c.Search.MaxResults, Message: "must be positive"})
	}
	if c.Search.SnippetChars <= 0 {
		errs = append(errs, ValidationError{Field: "search.snippet_chars", Value: c.Search.SnippetChars, Message: "must be positive"})
	}
	if c.Search.FetchPages < 0 {
		errs = append(errs, ValidationError{Field: "search.fetch_pages", Value: c.Search.FetchPages, Message: "must be non-negative"})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		return []ValidationError{{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		}}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

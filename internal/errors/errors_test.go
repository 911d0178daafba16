package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", New("boom"), KindUnknown},
		{"config sentinel", fmt.Errorf("wrap: %w", ErrMissingAPIKey), KindConfig},
		{"budget sentinel", ErrInsufficientTokens, KindBudget},
		{"typed budget", Budget("consume", ErrTokenLimitReached), KindBudget},
		{"429", Provider("groq chat", 429, ""), KindRateLimit},
		{"500", Provider("groq chat", 500, "boom"), KindProvider},
		{"wrapped typed", fmt.Errorf("outer: %w", Network("dial", New("refused"))), KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(Config("groq", ErrMissingAPIKey)) {
		t.Error("config errors should be fatal")
	}
	if !IsFatal(Provider("cohere chat", 429, "")) {
		t.Error("rate limits should be fatal")
	}
	if IsFatal(Provider("cohere chat", 502, "bad gateway")) {
		t.Error("5xx should not be fatal")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Provider("openrouter chat", 503, "overloaded")
	if got := err.Error(); got != "openrouter chat: status 503: overloaded" {
		t.Errorf("Error() = %q", got)
	}
	if StatusCode(fmt.Errorf("x: %w", err)) != 503 {
		t.Error("StatusCode should see through wrapping")
	}
}

func TestUserMessage(t *testing.T) {
	if !strings.Contains(UserMessage(ErrTokenLimitReached), "demo tokens") {
		t.Error("token limit message should mention demo tokens")
	}
	if !strings.Contains(UserMessage(Provider("x", 429, "")), "rate limiting") {
		t.Error("rate limit message should mention rate limiting")
	}
	if !strings.Contains(UserMessage(Config("x", ErrMissingAPIKey)), "check your settings") {
		t.Error("config message should be actionable")
	}
}

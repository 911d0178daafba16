package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/taskpilot/internal/models"
	"github.com/example/taskpilot/internal/providers/llm"
)

// isolate runs the test in an empty directory with no provider keys set.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, name := range []string{"GROQ_API_KEY", "OPENROUTER_API_KEY", "COHERE_API_KEY", "SERPER_API_KEY", "PORT"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	return dir
}

func TestDefaultIsValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Fatalf("Default() is invalid: %v", errs)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.LLM.Provider != "groq" || cfg.LLM.Groq.Model != llm.GroqDefaultModel {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Budget.Window != 24*time.Hour || cfg.Budget.Allowance != 10000 {
		t.Errorf("Budget = %+v", cfg.Budget)
	}
	if cfg.Search.Provider != "duckduckgo" {
		t.Errorf("Search.Provider = %q", cfg.Search.Provider)
	}
}

func TestLoadEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("TASKPILOT_BUDGET_ALLOWANCE", "42")
	t.Setenv("TASKPILOT_SERVER_MESSAGE_DELAY", "1s")
	t.Setenv("TASKPILOT_LLM_PROVIDER", "openrouter")
	t.Setenv("GROQ_API_KEY", "gsk-env")
	t.Setenv("TASKPILOT_LLM_COHERE_API_KEY", "co-prefixed")

	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Budget.Allowance != 42 {
		t.Errorf("Allowance = %d", cfg.Budget.Allowance)
	}
	if cfg.Server.MessageDelay != time.Second {
		t.Errorf("MessageDelay = %v", cfg.Server.MessageDelay)
	}
	if cfg.LLM.Provider != "openrouter" {
		t.Errorf("Provider = %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Groq.APIKey != "gsk-env" || cfg.LLM.Cohere.APIKey != "co-prefixed" {
		t.Errorf("keys = %q %q", cfg.LLM.Groq.APIKey, cfg.LLM.Cohere.APIKey)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("COHERE_API_KEY=co-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv sets the process environment; restore it afterwards.
	t.Setenv("COHERE_API_KEY", "")
	os.Unsetenv("COHERE_API_KEY")

	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Cohere.APIKey != "co-dotenv" {
		t.Errorf("Cohere.APIKey = %q", cfg.LLM.Cohere.APIKey)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := isolate(t)
	yaml := `
server:
  addr: ":9090"
llm:
  provider: cohere
  temperature: 0.2
search:
  provider: none
  fetch_pages: 2
`
	if err := os.WriteFile(filepath.Join(dir, "taskpilot.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7000")

	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("file addr should win over PORT, got %q", cfg.Server.Addr)
	}
	if cfg.LLM.Provider != "cohere" || cfg.LLM.Temperature != 0.2 {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Search.Provider != "none" || cfg.Search.FetchPages != 2 {
		t.Errorf("Search = %+v", cfg.Search)
	}
}

func TestLoadPort(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "7000")
	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestLoadExplicitFileMissing(t *testing.T) {
	isolate(t)
	if _, err := Load(LoadOptions{ConfigFile: "nope.yaml"}); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	isolate(t)
	t.Setenv("TASKPILOT_SEARCH_PROVIDER", "serper")
	t.Setenv("TASKPILOT_LLM_MAX_TOKENS", "0")

	_, err := Load(LoadOptions{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	errs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	if !fields["search.serper_api_key"] || !fields["llm.max_tokens"] {
		t.Errorf("fields = %v", fields)
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = " " }, "server.addr"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "gemini" }, "llm.provider"},
		{"temperature", func(c *Config) { c.LLM.Temperature = 3 }, "llm.temperature"},
		{"endpoint", func(c *Config) { c.LLM.Groq.Endpoint = "ftp://x" }, "llm.groq.endpoint"},
		{"allowance", func(c *Config) { c.Budget.Allowance = 0 }, "budget.allowance"},
		{"window", func(c *Config) { c.Budget.Window = 0 }, "budget.window"},
		{"search provider", func(c *Config) { c.Search.Provider = "bing" }, "search.provider"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"rate", func(c *Config) { c.LLM.RatePerMinute = -1 }, "llm.rate_per_minute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mod(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 || errs[0].Field != tt.field {
				t.Errorf("errs = %v, want one for %s", errs, tt.field)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "OpenRouter"
	cfg.LLM.OpenRouter.APIKey = "or-key"
	cfg.LLM.Referer = "https://example.com"

	d := cfg.LLMDefaults()
	if d.Provider != models.ProviderOpenRouter || d.OpenRouter.APIKey != "or-key" || d.Referer != "https://example.com" {
		t.Errorf("LLMDefaults = %+v", d)
	}
	if b := cfg.BudgetConfig(); b.Allowance != cfg.Budget.Allowance || b.Window != cfg.Budget.Window {
		t.Errorf("BudgetConfig = %+v", b)
	}
	if s := cfg.SearchConfig(); s.Provider != "duckduckgo" || s.MaxResults != 5 {
		t.Errorf("SearchConfig = %+v", s)
	}
	if l := cfg.LoggingOptions(); l.Level != "info" || l.Throttle != 5*time.Second {
		t.Errorf("LoggingOptions = %+v", l)
	}
}

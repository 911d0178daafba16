// Package config loads server and CLI settings from a .env file, an optional
// YAML file and the environment.
package config

import (
	stderrors "errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/example/taskpilot/internal/budget"
	"github.com/example/taskpilot/internal/logging"
	"github.com/example/taskpilot/internal/models"
	"github.com/example/taskpilot/internal/providers/llm"
	"github.com/example/taskpilot/internal/search"
)

// EnvPrefix prefixes every environment override, e.g. TASKPILOT_SERVER_ADDR
// for server.addr.
const EnvPrefix = "TASKPILOT"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Budget  BudgetConfig  `mapstructure:"budget"`
	Search  SearchConfig  `mapstructure:"search"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// AllowOrigin is the CORS Access-Control-Allow-Origin value.
	AllowOrigin  string        `mapstructure:"allow_origin"`
	MessageDelay time.Duration `mapstructure:"message_delay"`
	RunRetention time.Duration `mapstructure:"run_retention"`
}

type ProviderConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Endpoint string `mapstructure:"endpoint"`
}

type LLMConfig struct {
	Provider    string         `mapstructure:"provider"`
	Temperature float64        `mapstructure:"temperature"`
	MaxTokens   int            `mapstructure:"max_tokens"`
	Timeout     time.Duration  `mapstructure:"timeout"`
	Referer     string         `mapstructure:"referer"`
	Groq        ProviderConfig `mapstructure:"groq"`
	OpenRouter  ProviderConfig `mapstructure:"openrouter"`
	Cohere      ProviderConfig `mapstructure:"cohere"`
	// RatePerMinute caps model calls per session; 0 disables the limiter.
	RatePerMinute int `mapstructure:"rate_per_minute"`
	RateBurst     int `mapstructure:"rate_burst"`
}

type BudgetConfig struct {
	Allowance     int           `mapstructure:"allowance"`
	Window        time.Duration `mapstructure:"window"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	StatusRetries int           `mapstructure:"status_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type SearchConfig struct {
	Provider     string        `mapstructure:"provider"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	SnippetChars int           `mapstructure:"snippet_chars"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FetchPages   int           `mapstructure:"fetch_pages"`
	MaxPageBytes int64         `mapstructure:"max_page_bytes"`
}

type StorageConfig struct {
	// DSN is a modernc.org/sqlite data source; empty keeps budgets in memory
	// and disables the session log.
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level    string        `mapstructure:"level"`
	File     string        `mapstructure:"file"`
	Throttle time.Duration `mapstructure:"throttle"`
}

// Default returns the built-in configuration.
func Default() *Config {
	b := budget.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			AllowOrigin:  "*",
			MessageDelay: 400 * time.Millisecond,
			RunRetention: time.Hour,
		},
		LLM: LLMConfig{
			Provider:      string(models.ProviderGroq),
			Temperature:   0.7,
			MaxTokens:     1000,
			Timeout:       llm.DefaultTimeout,
			Groq:          ProviderConfig{Model: llm.GroqDefaultModel, Endpoint: llm.GroqEndpoint},
			OpenRouter:    ProviderConfig{Model: llm.OpenRouterDefaultModel, Endpoint: llm.OpenRouterEndpoint},
			Cohere:        ProviderConfig{Model: llm.CohereDefaultModel, Endpoint: llm.CohereEndpoint},
			RatePerMinute: 30,
			RateBurst:     5,
		},
		Budget: BudgetConfig{
			Allowance:     b.Allowance,
			Window:        b.Window,
			CacheTTL:      b.CacheTTL,
			StatusRetries: b.StatusRetries,
			RetryBackoff:  b.RetryBackoff,
		},
		Search: SearchConfig{
			Provider:     search.ProviderDuckDuckGo,
			MaxResults:   5,
			SnippetChars: 300,
			Timeout:      10 * time.Second,
			MaxPageBytes: 2 << 20,
		},
		Storage: StorageConfig{DSN: "file:taskpilot.db?_pragma=busy_timeout(5000)"},
		Logging: LoggingConfig{Level: "info", Throttle: 5 * time.Second},
	}
}

// SetDefaults registers Default() with v so every key is known to
// AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allow_origin", d.Server.AllowOrigin)
	v.SetDefault("server.message_delay", d.Server.MessageDelay)
	v.SetDefault("server.run_retention", d.Server.RunRetention)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("llm.referer", d.LLM.Referer)
	for name, p := range map[string]ProviderConfig{"groq": d.LLM.Groq, "openrouter": d.LLM.OpenRouter, "cohere": d.LLM.Cohere} {
		v.SetDefault("llm."+name+".api_key", p.APIKey)
		v.SetDefault("llm."+name+".model", p.Model)
		v.SetDefault("llm."+name+".endpoint", p.Endpoint)
	}
	v.SetDefault("llm.rate_per_minute", d.LLM.RatePerMinute)
	v.SetDefault("llm.rate_burst", d.LLM.RateBurst)

	v.SetDefault("budget.allowance", d.Budget.Allowance)
	v.SetDefault("budget.window", d.Budget.Window)
	v.SetDefault("budget.cache_ttl", d.Budget.CacheTTL)
	v.SetDefault("budget.status_retries", d.Budget.StatusRetries)
	v.SetDefault("budget.retry_backoff", d.Budget.RetryBackoff)

	v.SetDefault("search.provider", d.Search.Provider)
	v.SetDefault("search.serper_api_key", d.Search.SerperAPIKey)
	v.SetDefault("search.max_results", d.Search.MaxResults)
	v.SetDefault("search.snippet_chars", d.Search.SnippetChars)
	v.SetDefault("search.timeout", d.Search.Timeout)
	v.SetDefault("search.fetch_pages", d.Search.FetchPages)
	v.SetDefault("search.max_page_bytes", d.Search.MaxPageBytes)

	v.SetDefault("storage.dsn", d.Storage.DSN)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.throttle", d.Logging.Throttle)
}

// providerEnv maps keys to the conventional variable names providers document.
var providerEnv = map[string]string{
	"llm.groq.api_key":       "GROQ_API_KEY",
	"llm.openrouter.api_key": "OPENROUTER_API_KEY",
	"llm.cohere.api_key":     "COHERE_API_KEY",
	"search.serper_api_key":  "SERPER_API_KEY",
}

type LoadOptions struct {
	// ConfigFile is read when set; otherwise taskpilot.yaml is looked up in
	// the working directory and ignored when missing.
	ConfigFile string
	// EnvFile defaults to .env; a missing file is not an error.
	EnvFile string
}

// Load builds the configuration from defaults, the config file and the
// environment, in increasing precedence, and validates it.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("taskpilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !stderrors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range providerEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, name); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	// PORT is what most hosting platforms set.
	if port := os.Getenv("PORT"); port != "" && !v.InConfig("server.addr") && os.Getenv(EnvPrefix+"_SERVER_ADDR") == "" {
		cfg.Server.Addr = ":" + port
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// LLMDefaults are the server-side provider settings runs fall back to.
func (c *Config) LLMDefaults() llm.Defaults {
	conv := func(p ProviderConfig) llm.ProviderDefaults {
		return llm.ProviderDefaults{APIKey: p.APIKey, Model: p.Model, Endpoint: p.Endpoint}
	}
	return llm.Defaults{
		Provider:    models.Provider(strings.ToLower(c.LLM.Provider)),
		Groq:        conv(c.LLM.Groq),
		OpenRouter:  conv(c.LLM.OpenRouter),
		Cohere:      conv(c.LLM.Cohere),
		Referer:     c.LLM.Referer,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
		Timeout:     c.LLM.Timeout,
	}
}

func (c *Config) BudgetConfig() budget.Config {
	return budget.Config{
		Allowance:     c.Budget.Allowance,
		Window:        c.Budget.Window,
		CacheTTL:      c.Budget.CacheTTL,
		StatusRetries: c.Budget.StatusRetries,
		RetryBackoff:  c.Budget.RetryBackoff,
	}
}

func (c *Config) SearchConfig() search.Config {
	return search.Config{
		Provider:     c.Search.Provider,
		SerperAPIKey: c.Search.SerperAPIKey,
		MaxResults:   c.Search.MaxResults,
		SnippetChars: c.Search.SnippetChars,
		Timeout:      c.Search.Timeout,
		FetchPages:   c.Search.FetchPages,
		MaxPageBytes: c.Search.MaxPageBytes,
	}
}

func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.Logging.Level, File: c.Logging.File, Throttle: c.Logging.Throttle}
}

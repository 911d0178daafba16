package models

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusStarted   TaskStatus = "started"
	StatusExecuting TaskStatus = "executing"
	StatusCompleted TaskStatus = "completed"
	StatusFinal     TaskStatus = "final"
)

// Rank orders statuses along the task lifecycle. Unknown statuses rank -1.
func (s TaskStatus) Rank() int {
	switch s {
	case StatusStarted:
		return 0
	case StatusExecuting:
		return 1
	case StatusCompleted:
		return 2
	case StatusFinal:
		return 3
	}
	return -1
}

type Task struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Value     string     `json:"value"`
	Status    TaskStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type Action string

const (
	ActionReason Action = "reason"
	ActionSearch Action = "search"
)

// Analysis is the approach chosen for one task.
type Analysis struct {
	Action Action `json:"action"`
	Arg    string `json:"arg"`
}

type Provider string

const (
	ProviderGroq       Provider = "groq"
	ProviderOpenRouter Provider = "openrouter"
	ProviderCohere     Provider = "cohere"
)

// ParseProvider maps a loose provider name to a known provider.
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "groq":
		return ProviderGroq, true
	case "openrouter", "open_router", "open-router":
		return ProviderOpenRouter, true
	case "cohere":
		return ProviderCohere, true
	}
	return "", false
}

// ModelSettings is owned by the caller and passed by value.
type ModelSettings struct {
	Provider         Provider `json:"provider"`
	GroqAPIKey       string   `json:"groq_api_key,omitempty"`
	OpenRouterAPIKey string   `json:"openrouter_api_key,omitempty"`
	CohereAPIKey     string   `json:"cohere_api_key,omitempty"`
	Model            string   `json:"model,omitempty"`
	Temperature      float64  `json:"temperature,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	MaxLoops         int      `json:"max_loops,omitempty"`
	WebSearch        bool     `json:"web_search"`
	SearchProvider   string   `json:"search_provider,omitempty"`
}

// APIKey returns the caller-supplied key for the selected provider.
func (s ModelSettings) APIKey() string {
	switch s.Provider {
	case ProviderGroq:
		return strings.TrimSpace(s.GroqAPIKey)
	case ProviderOpenRouter:
		return strings.TrimSpace(s.OpenRouterAPIKey)
	case ProviderCohere:
		return strings.TrimSpace(s.CohereAPIKey)
	}
	return ""
}

type TokenStatus struct {
	TokensUsed      int       `json:"tokens_used"`
	TokensRemaining int       `json:"tokens_remaining"`
	ResetAt         time.Time `json:"reset_at"`
	CanUseTokens    bool      `json:"can_use_tokens"`
}

type MessageType string

const (
	MessageGoal     MessageType = "goal"
	MessageTask     MessageType = "task"
	MessageThinking MessageType = "thinking"
	MessageAction   MessageType = "action"
	MessageSystem   MessageType = "system"
	MessageError    MessageType = "error"
)

// Message is one lifecycle event delivered to the sink.
type Message struct {
	Type         MessageType `json:"type"`
	Value        string      `json:"value"`
	TaskID       string      `json:"task_id,omitempty"`
	ParentTaskID string      `json:"parent_task_id,omitempty"`
	Status       TaskStatus  `json:"status,omitempty"`
	Info         string      `json:"info,omitempty"`
}

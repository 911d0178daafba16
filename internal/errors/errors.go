// Package errors defines the error kinds shared by the agent core.
//
// Components below the orchestrator return *Error values (or wrap the
// sentinels below) so callers can branch on the kind instead of matching
// strings:
//
//	if errors.IsBudget(err) { ... show the upgrade/wait prompt ... }
//	if errors.IsFatal(err) { ... stop the run ... }
package errors

import (
	"errors"
	"fmt"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindBudget
	KindProvider
	KindRateLimit
	KindParse
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindBudget:
		return "budget"
	case KindProvider:
		return "provider"
	case KindRateLimit:
		return "rate_limit"
	case KindParse:
		return "parse"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

var (
	ErrMissingAPIKey      = New("missing API key")
	ErrInvalidEndpoint    = New("invalid endpoint URL")
	ErrTokenLimitReached  = New("token limit reached")
	ErrInsufficientTokens = New("insufficient tokens")
	ErrRateLimited        = New("rate limited by provider")
)

// Error carries a kind, the failing operation and an optional HTTP status.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	if msg == "" {
		return e.Kind.String() + " error"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Config(op string, err error) *Error { return E(KindConfig, op, err) }

func Budget(op string, err error) *Error { return E(KindBudget, op, err) }

// Provider builds a provider error from a non-2xx status. 429 becomes a
// rate-limit error.
func Provider(op string, status int, detail string) *Error {
	if status == 429 {
		return &Error{Kind: KindRateLimit, Op: op, Status: status, Err: ErrRateLimited}
	}
	var err error
	if detail != "" {
		err = New(detail)
	}
	return &Error{Kind: KindProvider, Op: op, Status: status, Err: err}
}

func Network(op string, err error) *Error { return E(KindNetwork, op, err) }

func Parse(op string, err error) *Error { return E(KindParse, op, err) }

// KindOf reports the kind of the first *Error in the chain, falling back to
// the sentinels.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	switch {
	case Is(err, ErrMissingAPIKey), Is(err, ErrInvalidEndpoint):
		return KindConfig
	case Is(err, ErrTokenLimitReached), Is(err, ErrInsufficientTokens):
		return KindBudget
	case Is(err, ErrRateLimited):
		return KindRateLimit
	}
	return KindUnknown
}

func IsBudget(err error) bool { return KindOf(err) == KindBudget }

func IsRateLimit(err error) bool { return KindOf(err) == KindRateLimit }

func IsConfig(err error) bool { return KindOf(err) == KindConfig }

// IsFatal reports whether a run cannot make progress after err.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfig, KindBudget, KindRateLimit:
		return true
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if As(err, &e) {
		return e.Status
	}
	return 0
}

// UserMessage renders err for the message stream.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindConfig:
		return "The agent is not configured correctly (" + err.Error() + "). Please check your settings."
	case KindBudget:
		if Is(err, ErrTokenLimitReached) {
			return "You have used all of your demo tokens. Wait for the reset or add your own API key to continue."
		}
		return "Not enough demo tokens remain for this request. Wait for the reset or add your own API key to continue."
	case KindRateLimit:
		return "The model provider is rate limiting requests. Please try again later."
	case KindProvider:
		return "The model provider returned an error: " + err.Error()
	case KindNetwork:
		return "Could not reach the model provider: " + err.Error()
	}
	return "Unexpected error: " + err.Error()
}

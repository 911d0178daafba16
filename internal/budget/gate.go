// Package budget meters demo-token usage per session.
package budget

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

// UnlimitedTokens is reported when the store cannot be reached.
const UnlimitedTokens = math.MaxInt32

type Config struct {
	Allowance     int
	Window        time.Duration
	CacheTTL      time.Duration
	StatusRetries int
	RetryBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Allowance:     10000,
		Window:        24 * time.Hour,
		CacheTTL:      30 * time.Second,
		StatusRetries: 2,
		RetryBackoff:  250 * time.Millisecond,
	}
}

type ConsumeResult struct {
	Success         bool `json:"success"`
	TokensRemaining int  `json:"tokens_remaining"`
}

// Gate enforces the allowance. It is safe for concurrent use; atomicity of
// consume comes from Store.Update.
type Gate struct {
	store  Store
	cfg    Config
	cache  *statusCache
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Gate {
	def := DefaultConfig()
	if cfg.Allowance <= 0 {
		cfg.Allowance = def.Allowance
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.StatusRetries < 0 {
		cfg.StatusRetries = 0
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Gate{
		store:  store,
		cfg:    cfg,
		cache:  newStatusCache(cfg.CacheTTL),
		now:    time.Now,
		logger: logger.With("component", "budget"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gate) Allowance() int { return g.cfg.Allowance }

// Initialize creates the session record or resets an expired one.
func (g *Gate) Initialize(ctx context.Context, sessionID string) models.TokenStatus {
	rec, err := g.store.Update(ctx, sessionID, g.refresh)
	if err != nil {
		g.logger.Warn("token initialize failed, allowing usage", "session_id", sessionID, "error", err)
		return g.unlimited()
	}
	st := g.toStatus(rec)
	g.cache.put(sessionID, st, g.now())
	return st
}

// Status returns the current balance, served from cache when fresh.
func (g *Gate) Status(ctx context.Context, sessionID string) models.TokenStatus {
	now := g.now()
	if st, ok := g.cache.get(sessionID, now); ok {
		return st
	}
	var lastErr error
	for attempt := 0; attempt <= g.cfg.StatusRetries; attempt++ {
		if attempt > 0 && !sleep(ctx, backoff(g.cfg.RetryBackoff, attempt-1)) {
			break
		}
		rec, err := g.store.Update(ctx, sessionID, g.refresh)
		if err == nil {
			st := g.toStatus(rec)
			g.cache.put(sessionID, st, g.now())
			return st
		}
		lastErr = err
	}
	g.logger.Warn("token status unavailable, allowing usage", "session_id", sessionID, "error", lastErr)
	return g.unlimited()
}

// Check is the pre-flight test before a model call.
func (g *Gate) Check(ctx context.Context, sessionID string, estimate int) error {
	st := g.Status(ctx, sessionID)
	if !st.CanUseTokens {
		return errors.Budget("check tokens", errors.ErrTokenLimitReached)
	}
	if estimate > st.TokensRemaining {
		return errors.Budget("check tokens", errors.ErrInsufficientTokens)
	}
	return nil
}

// Consume deducts amount. Insufficient balance is rejected and leaves the
// record untouched.
func (g *Gate) Consume(ctx context.Context, sessionID string, amount int) (ConsumeResult, error) {
	if amount < 0 {
		return ConsumeResult{}, errors.Config("consume tokens", errors.New("negative amount"))
	}
	rec, err := g.store.Update(ctx, sessionID, func(rec *Record, found bool) error {
		_ = g.refresh(rec, found)
		if amount > rec.TokensRemaining {
			return errors.ErrInsufficientTokens
		}
		rec.TokensRemaining -= amount
		rec.TokensUsed += amount
		rec.ResetAt = g.now().Add(g.cfg.Window)
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientTokens) {
			g.cache.put(sessionID, g.toStatus(rec), g.now())
			return ConsumeResult{Success: false, TokensRemaining: rec.TokensRemaining},
				errors.Budget("consume tokens", errors.ErrInsufficientTokens)
		}
		g.cache.drop(sessionID)
		return ConsumeResult{}, errors.Network("consume tokens", err)
	}
	g.cache.put(sessionID, g.toStatus(rec), g.now())
	return ConsumeResult{Success: true, TokensRemaining: rec.TokensRemaining}, nil
}

// Reset restores the full allowance immediately.
func (g *Gate) Reset(ctx context.Context, sessionID string) (models.TokenStatus, error) {
	rec, err := g.store.Update(ctx, sessionID, func(rec *Record, _ bool) error {
		g.fill(rec)
		return nil
	})
	if err != nil {
		return models.TokenStatus{}, errors.Network("reset tokens", err)
	}
	st := g.toStatus(rec)
	g.cache.put(sessionID, st, g.now())
	return st, nil
}

func (g *Gate) refresh(rec *Record, found bool) error {
	if !found || g.now().After(rec.ResetAt) {
		g.fill(rec)
	}
	return nil
}

func (g *Gate) fill(rec *Record) {
	rec.TokensUsed = 0
	rec.TokensRemaining = g.cfg.Allowance
	rec.ResetAt = g.now().Add(g.cfg.Window)
}

func (g *Gate) toStatus(rec Record) models.TokenStatus {
	return models.TokenStatus{
		TokensUsed:      rec.TokensUsed,
		TokensRemaining: rec.TokensRemaining,
		ResetAt:         rec.ResetAt,
		CanUseTokens:    rec.TokensRemaining > 0,
	}
}

func (g *Gate) unlimited() models.TokenStatus {
	return models.TokenStatus{
		TokensRemaining: UnlimitedTokens,
		ResetAt:         g.now().Add(g.cfg.Window),
		CanUseTokens:    true,
	}
}

func backoff(base time.Duration, i int) time.Duration {
	if base <= 0 {
		return 0
	}
	return base * time.Duration(1<<i)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Package orchestrator drives agent runs and fans their messages out to
// subscribers.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/taskpilot/internal/agents"
	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
	"github.com/example/taskpilot/internal/providers/llm"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Budget is the slice of budget.Gate used to admit demo runs.
type Budget interface {
	Initialize(ctx context.Context, sessionID string) models.TokenStatus
}

type Options struct {
	MessageDelay time.Duration
	Log          SessionLog
	Budget       Budget
	Logger       *slog.Logger
	// Retention is how long finished runs stay queryable.
	Retention time.Duration
}

// Orchestrator owns every run in the process.
type Orchestrator struct {
	factory *agents.Factory
	opts    Options
	hub     *Hub
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	runs map[string]*Handle
}

func New(factory *agents.Factory, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		factory: factory,
		opts:    opts,
		hub:     NewHub(),
		logger:  opts.Logger.With("component", "orchestrator"),
		base:    base,
		cancel:  cancel,
		runs:    map[string]*Handle{},
	}
}

type StartRequest struct {
	Goal      string               `json:"goal"`
	Language  string               `json:"language,omitempty"`
	SessionID string               `json:"session_id,omitempty"`
	Settings  models.ModelSettings `json:"settings"`
	Mode      Mode                 `json:"mode,omitempty"`
	// Sink also receives every message, after subscribers.
	Sink Sink `json:"-"`
}

// Handle tracks one run.
type Handle struct {
	Agent     *Agent
	CreatedAt time.Time

	done     chan struct{}
	err      error
	finished time.Time
}

func (h *Handle) ID() string { return h.Agent.ID() }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the run's fatal error. Valid once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Start launches a run in the background. The run outlives ctx; use Stop or
// Shutdown to end it.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, errors.Config("start run", errors.New("goal is required"))
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	svc, client, err := o.factory.Build(req.Settings, sessionID)
	if err != nil {
		return nil, err
	}
	ownKey := llm.UsesOwnKey(req.Settings, o.factory.Defaults)
	id := uuid.NewString()

	sink := func(m models.Message) {
		o.hub.Publish(id, Event{Event: EventMessage, Payload: m})
		if req.Sink != nil {
			req.Sink(m)
		}
	}
	agent := NewAgent(svc, Config{
		ID:           id,
		SessionID:    sessionID,
		Goal:         goal,
		Language:     req.Language,
		Settings:     req.Settings,
		Mode:         req.Mode,
		MaxLoops:     MaxLoopsFor(req.Settings, ownKey),
		MessageDelay: o.opts.MessageDelay,
		Permit:       o.permit(client, sessionID),
		Sink:         sink,
		OnShutdown: func() {
			o.logger.Info("run stop requested", "run_id", id)
		},
		Log:    o.opts.Log,
		Logger: o.opts.Logger,
	})
	h := &Handle{Agent: agent, CreatedAt: time.Now(), done: make(chan struct{})}

	o.mu.Lock()
	o.pruneLocked()
	o.runs[id] = h
	o.mu.Unlock()

	appender := o.hub.TokenAppender(id)
	runCtx := llm.WithDeltaCallback(o.base, func(chunk string) {
		appender(agent.CurrentTaskID(), chunk)
	})

	o.logger.Info("run started", "run_id", id, "session_id", sessionID,
		"provider", client.Backend().Name(), "metered", client.Metered(), "max_loops", agent.cfg.MaxLoops)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := agent.Run(runCtx)
		if err != nil {
			o.logger.Warn("run failed", "run_id", id, "error", err)
		}
		o.hub.StopTokenAppender(id)
		o.hub.Publish(id, Event{Event: EventState, Payload: agent.Snapshot()})
		o.mu.Lock()
		h.err = err
		h.finished = time.Now()
		o.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

// permit admits runs with a usable key, and demo runs with tokens left.
func (o *Orchestrator) permit(client *llm.Client, sessionID string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Backend().Validate(); err != nil {
			return err
		}
		if client.Metered() && o.opts.Budget != nil {
			if st := o.opts.Budget.Initialize(ctx, sessionID); !st.CanUseTokens {
				return errors.Budget("start run", errors.ErrTokenLimitReached)
			}
		}
		return nil
	}
}

func (o *Orchestrator) pruneLocked() {
	cutoff := time.Now().Add(-o.opts.Retention)
	for id, h := range o.runs {
		if !h.finished.IsZero() && h.finished.Before(cutoff) {
			delete(o.runs, id)
		}
	}
}

func (o *Orchestrator) Get(id string) (*Handle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.runs[id]
	return h, ok
}

// List returns snapshots of every tracked run, newest first.
func (o *Orchestrator) List() []Snapshot {
	o.mu.RLock()
	handles := make([]*Handle, 0, len(o.runs))
	for _, h := range o.runs {
		handles = append(handles, h)
	}
	o.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].CreatedAt.After(handles[j].CreatedAt) })
	out := make([]Snapshot, len(handles))
	for i, h := range handles {
		out[i] = h.Agent.Snapshot()
	}
	return out
}

func (o *Orchestrator) Stop(id string) error {
	return o.with(id, (*Agent).Stop)
}

func (o *Orchestrator) Pause(id string) error {
	return o.with(id, (*Agent).Pause)
}

func (o *Orchestrator) Resume(id string) error {
	return o.with(id, (*Agent).Resume)
}

func (o *Orchestrator) with(id string, fn func(*Agent)) error {
	h, ok := o.Get(id)
	if !ok {
		return ErrRunNotFound
	}
	fn(h.Agent)
	o.hub.Publish(id, Event{Event: EventState, Payload: h.Agent.Snapshot()})
	return nil
}

// Subscribe streams JSON-encoded events of run id. Call the returned func
// when done.
func (o *Orchestrator) Subscribe(id string) (<-chan []byte, func(), error) {
	if _, ok := o.Get(id); !ok {
		return nil, nil, ErrRunNotFound
	}
	ch, unsub := o.hub.Subscribe(id)
	return ch, unsub, nil
}

// Shutdown stops every run and waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	for _, h := range o.runs {
		h.Agent.Stop()
	}
	o.mu.RUnlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

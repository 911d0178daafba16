package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/taskpilot/internal/agents"
	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

// scriptedPlanner returns fixed results; hooks override single skills.
type scriptedPlanner struct {
	initial  []string
	startErr error
	analyze  func(task string) agents.Result[models.Analysis]
	execute  func(task string) agents.Result[string]
	create   func(completed []string) agents.Result[[]string]

	executed atomic.Int32
}

func (p *scriptedPlanner) StartGoal(context.Context, models.ModelSettings, string, string) agents.Result[[]string] {
	if p.startErr != nil {
		return agents.Result[[]string]{Value: []string{"fallback task"}, Fallback: true, Err: p.startErr}
	}
	return agents.Result[[]string]{Value: p.initial}
}

func (p *scriptedPlanner) AnalyzeTask(_ context.Context, _ models.ModelSettings, _, task string) agents.Result[models.Analysis] {
	if p.analyze != nil {
		return p.analyze(task)
	}
	return agents.Result[models.Analysis]{Value: models.Analysis{Action: models.ActionReason, Arg: "think"}}
}

func (p *scriptedPlanner) ExecuteTask(_ context.Context, _ models.ModelSettings, _, task string, _ models.Analysis, _ string) agents.Result[string] {
	p.executed.Add(1)
	if p.execute != nil {
		return p.execute(task)
	}
	return agents.Result[string]{Value: "result of " + task}
}

func (p *scriptedPlanner) CreateTasks(_ context.Context, _ models.ModelSettings, _ string, _ []string, _, _ string, completed []string, _ string) agents.Result[[]string] {
	if p.create != nil {
		return p.create(completed)
	}
	return agents.Result[[]string]{Value: []string{}}
}

type recorder struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (r *recorder) sink(m models.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) all() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.msgs...)
}

func (r *recorder) count(typ models.MessageType, substr string) int {
	n := 0
	for _, m := range r.all() {
		if m.Type == typ && strings.Contains(m.Value, substr) {
			n++
		}
	}
	return n
}

func newTestAgent(p Planner, rec *recorder, mod func(*Config)) *Agent {
	cfg := Config{Goal: "Plan a party", SessionID: "s1", Sink: rec.sink, MaxLoops: 10}
	if mod != nil {
		mod(&cfg)
	}
	return NewAgent(p, cfg)
}

func TestRunCompletesAllTasks(t *testing.T) {
	rec := &recorder{}
	p := &scriptedPlanner{initial: []string{"Pick a date", "Book a venue"}}
	a := newTestAgent(p, rec, nil)

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.State() != StateCompleted {
		t.Fatalf("state = %s", a.State())
	}

	var got []string
	for _, m := range rec.all() {
		entry := string(m.Type)
		if m.Type == models.MessageTask {
			entry += ":" + m.Value + ":" + string(m.Status)
		}
		got = append(got, entry)
	}
	want := []string{
		"goal", "thinking",
		"task:Pick a date:started", "task:Book a venue:started",
		"task:Pick a date:executing", "task:Pick a date:completed", "task:Pick a date:final",
		"task:Book a venue:executing", "task:Book a venue:completed", "task:Book a venue:final",
		"system",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("messages:\n got %v\nwant %v", got, want)
	}
	snap := a.Snapshot()
	if len(snap.Completed) != 2 || snap.Loops != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRunStopsAtLoopLimit(t *testing.T) {
	rec := &recorder{}
	p := &scriptedPlanner{
		initial: []string{"Start somewhere"},
		create: func(completed []string) agents.Result[[]string] {
			return agents.Result[[]string]{Value: []string{fmt.Sprintf("Follow up number %d", len(completed))}}
		},
	}
	a := newTestAgent(p, rec, func(c *Config) { c.MaxLoops = 3 })

	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := p.executed.Load(); got != 3 {
		t.Errorf("executed %d tasks, want 3", got)
	}
	msgs := rec.all()
	last := msgs[len(msgs)-1]
	if last.Type != models.MessageSystem || !strings.Contains(last.Value, "loop limit") {
		t.Errorf("last message = %+v", last)
	}
	if snap := a.Snapshot(); snap.State != StateCompleted || snap.Reason != "loop limit" || snap.Loops != 4 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTaskStatusIsMonotonic(t *testing.T) {
	rec := &recorder{}
	var calls atomic.Int32
	p := &scriptedPlanner{
		initial: []string{"One", "Two", "Three"},
		create: func([]string) agents.Result[[]string] {
			if calls.Add(1) == 1 {
				return agents.Result[[]string]{Value: []string{"Child task"}}
			}
			return agents.Result[[]string]{Value: []string{}}
		},
	}
	a := newTestAgent(p, rec, nil)
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	last := map[string]int{}
	for _, m := range rec.all() {
		if m.Type != models.MessageTask {
			continue
		}
		r := m.Status.Rank()
		if prev, ok := last[m.TaskID]; ok && r <= prev {
			t.Errorf("task %q went from rank %d to %d", m.Value, prev, r)
		}
		last[m.TaskID] = r
	}
	snap := a.Snapshot()
	if len(snap.Tasks) != 4 {
		t.Fatalf("tasks = %d", len(snap.Tasks))
	}
	if snap.Tasks[0].Status != models.StatusCompleted {
		t.Errorf("parent of a new task should stay completed, got %s", snap.Tasks[0].Status)
	}
	if snap.Tasks[3].ParentID != snap.Tasks[0].ID {
		t.Errorf("child parent = %q, want %q", snap.Tasks[3].ParentID, snap.Tasks[0].ID)
	}
}

func TestBudgetExhaustionFailsRun(t *testing.T) {
	rec := &recorder{}
	budgetErr := errors.Budget("check tokens", errors.ErrTokenLimitReached)
	p := &scriptedPlanner{
		initial: []string{"One", "Two"},
		execute: func(task string) agents.Result[string] {
			return agents.Result[string]{Value: "fallback", Fallback: true, Err: budgetErr}
		},
	}
	a := newTestAgent(p, rec, nil)

	err := a.Run(context.Background())
	if !errors.IsBudget(err) {
		t.Fatalf("Run err = %v, want budget", err)
	}
	if a.State() != StateFailed {
		t.Errorf("state = %s", a.State())
	}
	if rec.count(models.MessageError, "demo tokens") != 1 {
		t.Errorf("expected one budget error message, got %+v", rec.all())
	}
	if p.executed.Load() != 1 {
		t.Errorf("run continued after budget exhaustion")
	}
	tasks := a.Snapshot().Tasks
	if len(tasks) == 0 || tasks[0].Status != models.StatusFinal || tasks[0].Result != "fallback" {
		t.Errorf("first task = %+v, want final with the fallback result", tasks)
	}
	var emitted bool
	for _, m := range rec.all() {
		if m.Type == models.MessageTask && m.Value == "One" && m.Status == models.StatusFinal {
			emitted = true
		}
	}
	if !emitted {
		t.Errorf("final status of the failed task was not emitted")
	}
}

func TestNonFatalErrorsContinue(t *testing.T) {
	rec := &recorder{}
	p := &scriptedPlanner{
		initial: []string{"One", "Two"},
		execute: func(task string) agents.Result[string] {
			return agents.Result[string]{Value: "templated", Fallback: true, Err: errors.Network("call", fmt.Errorf("reset"))}
		},
	}
	a := newTestAgent(p, rec, nil)
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.State() != StateCompleted || p.executed.Load() != 2 {
		t.Errorf("state %s, executed %d", a.State(), p.executed.Load())
	}
	if rec.count(models.MessageSystem, "Could not reach") != 2 {
		t.Errorf("expected a system message per failure: %+v", rec.all())
	}
}

func TestStartGoalErrors(t *testing.T) {
	t.Run("fatal", func(t *testing.T) {
		rec := &recorder{}
		p := &scriptedPlanner{startErr: errors.Config("groq", errors.ErrMissingAPIKey)}
		a := newTestAgent(p, rec, nil)
		if err := a.Run(context.Background()); !errors.IsConfig(err) {
			t.Fatalf("err = %v", err)
		}
		if len(a.Snapshot().Tasks) != 0 || p.executed.Load() != 0 {
			t.Error("fatal start must not create or run tasks")
		}
	})
	t.Run("recoverable", func(t *testing.T) {
		rec := &recorder{}
		p := &scriptedPlanner{startErr: errors.Parse("start", fmt.Errorf("bad json"))}
		a := newTestAgent(p, rec, nil)
		if err := a.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if p.executed.Load() != 1 || a.State() != StateCompleted {
			t.Errorf("fallback task not run: executed %d, state %s", p.executed.Load(), a.State())
		}
	})
}

func TestPermitDenied(t *testing.T) {
	rec := &recorder{}
	p := &scriptedPlanner{initial: []string{"One"}}
	a := newTestAgent(p, rec, func(c *Config) {
		c.Permit = func(context.Context) error { return errors.Config("groq", errors.ErrMissingAPIKey) }
	})
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	msgs := rec.all()
	if len(msgs) != 1 || msgs[0].Type != models.MessageError || !strings.Contains(msgs[0].Value, "check your settings") {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestPanicFailsRun(t *testing.T) {
	rec := &recorder{}
	p := &scriptedPlanner{
		initial: []string{"One"},
		execute: func(string) agents.Result[string] { panic("nil map") },
	}
	a := newTestAgent(p, rec, nil)
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected error from panic")
	}
	if a.State() != StateFailed || rec.count(models.MessageError, "nil map") != 1 {
		t.Errorf("state %s, messages %+v", a.State(), rec.all())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	p := &scriptedPlanner{
		initial: []string{"One", "Two"},
		execute: func(string) agents.Result[string] {
			close(entered)
			<-release
			return agents.Result[string]{Value: "late"}
		},
	}
	var shutdowns atomic.Int32
	a := newTestAgent(p, rec, func(c *Config) { c.OnShutdown = func() { shutdowns.Add(1) } })

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	<-entered
	a.Stop()
	a.Stop()
	close(release)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if a.State() != StateStopped {
		t.Errorf("state = %s", a.State())
	}
	if shutdowns.Load() != 1 || rec.count(models.MessageSystem, "Shutting down at your request") != 1 {
		t.Errorf("shutdowns %d, messages %+v", shutdowns.Load(), rec.all())
	}
	for _, m := range rec.all() {
		if m.Status == models.StatusCompleted {
			t.Errorf("message emitted after stop: %+v", m)
		}
	}
	if p.executed.Load() != 1 {
		t.Errorf("executed %d tasks after stop", p.executed.Load())
	}
}

func TestStepwisePauseAndResume(t *testing.T) {
	rec := &recorder{}
	p := &scriptedPlanner{initial: []string{"One", "Two"}}
	a := newTestAgent(p, rec, func(c *Config) { c.Mode = ModeStepwise })

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	waitState(t, a, StatePaused)
	if got := p.executed.Load(); got != 1 {
		t.Fatalf("executed %d before first resume, want 1", got)
	}
	a.Resume()
	waitFor(t, func() bool { return p.executed.Load() == 2 && a.State() == StatePaused })
	a.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	if a.State() != StateCompleted {
		t.Errorf("state = %s", a.State())
	}
}

func TestStopWhilePaused(t *testing.T) {
	rec := &recorder{}
	p := &scriptedPlanner{initial: []string{"One", "Two"}}
	a := newTestAgent(p, rec, func(c *Config) { c.Mode = ModeStepwise })
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	waitState(t, a, StatePaused)
	a.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("paused run ignored stop")
	}
	if a.State() != StateStopped {
		t.Errorf("state = %s", a.State())
	}
}

type memLog struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (l *memLog) Save(_ context.Context, _, _, _ string, meta map[string]any) error {
	l.mu.Lock()
	l.entries = append(l.entries, meta)
	l.mu.Unlock()
	return nil
}

func TestMessagesArePersisted(t *testing.T) {
	rec := &recorder{}
	log := &memLog{}
	a := newTestAgent(&scriptedPlanner{initial: []string{"One"}}, rec, func(c *Config) { c.Log = log })
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.queue.wait(ctx); err != nil {
		t.Fatal(err)
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.entries) != len(rec.all()) {
		t.Errorf("persisted %d of %d messages", len(log.entries), len(rec.all()))
	}
}

func TestMaxLoopsFor(t *testing.T) {
	if MaxLoopsFor(models.ModelSettings{}, false) != DemoMaxLoops {
		t.Error("demo runs")
	}
	if MaxLoopsFor(models.ModelSettings{}, true) != KeyedMaxLoops {
		t.Error("keyed runs")
	}
	if MaxLoopsFor(models.ModelSettings{MaxLoops: 9}, false) != 9 {
		t.Error("explicit override")
	}
}

func waitState(t *testing.T, a *Agent, s State) {
	t.Helper()
	waitFor(t, func() bool { return a.State() == s })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/taskpilot/internal/agents"
	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

type Mode string

const (
	ModeAutomatic Mode = "automatic"
	ModeStepwise  Mode = "stepwise"
)

func ParseMode(s string) Mode {
	if s == string(ModeStepwise) || s == "pause" {
		return ModeStepwise
	}
	return ModeAutomatic
}

const (
	DemoMaxLoops  = 5
	KeyedMaxLoops = 25
)

// MaxLoopsFor is the loop budget for a run: the explicit setting when given,
// otherwise a small ceiling for demo runs and a larger one for keyed runs.
func MaxLoopsFor(settings models.ModelSettings, ownKey bool) int {
	if settings.MaxLoops > 0 {
		return settings.MaxLoops
	}
	if ownKey {
		return KeyedMaxLoops
	}
	return DemoMaxLoops
}

// Planner is the set of planning skills a run needs. *agents.Service
// implements it.
type Planner interface {
	StartGoal(ctx context.Context, settings models.ModelSettings, goal, lang string) agents.Result[[]string]
	AnalyzeTask(ctx context.Context, settings models.ModelSettings, goal, task string) agents.Result[models.Analysis]
	ExecuteTask(ctx context.Context, settings models.ModelSettings, goal, task string, analysis models.Analysis, lang string) agents.Result[string]
	CreateTasks(ctx context.Context, settings models.ModelSettings, goal string, remaining []string, lastTask, lastResult string, completed []string, lang string) agents.Result[[]string]
}

// Sink receives every message of a run, in order.
type Sink func(models.Message)

type Config struct {
	ID        string
	SessionID string
	Goal      string
	Language  string
	Settings  models.ModelSettings
	Mode      Mode
	MaxLoops  int
	// MessageDelay spaces out bursts of new-task messages.
	MessageDelay time.Duration
	// Permit is consulted before anything else; an error ends the run.
	Permit     func(ctx context.Context) error
	Sink       Sink
	OnShutdown func()
	Log        SessionLog
	Logger     *slog.Logger
}

// Agent runs one goal to completion. Run drives it from a single goroutine;
// Stop, Pause and Resume may be called from any goroutine.
type Agent struct {
	cfg     Config
	planner Planner
	logger  *slog.Logger
	queue   *logQueue

	emitMu sync.Mutex

	mu        sync.Mutex
	state     State
	mode      Mode
	running   bool
	playing   bool
	tasks     []*models.Task
	completed []string
	loops     int
	current   string
	reason    string

	resume   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewAgent(p Planner, cfg Config) *Agent {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = DemoMaxLoops
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAutomatic
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "agent", "run_id", cfg.ID, "session_id", cfg.SessionID)
	return &Agent{
		cfg:     cfg,
		planner: p,
		logger:  logger,
		queue:   newLogQueue(cfg.Log, cfg.SessionID, cfg.Goal, logger),
		state:   StateIdle,
		mode:    cfg.Mode,
		playing: true,
		resume:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (a *Agent) ID() string { return a.cfg.ID }

// Run executes the goal. It returns nil when the run completes or is
// stopped, and the fatal error when it fails.
func (a *Agent) Run(ctx context.Context) (err error) {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return fmt.Errorf("agent %s already started", a.cfg.ID)
	}
	a.state = StateRunning
	a.running = true
	a.mu.Unlock()
	defer a.queue.close()
	if a.stopped() {
		a.finish(StateStopped, "stopped")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("agent panicked", "panic", r)
			err = fmt.Errorf("agent panic: %v", r)
			a.emit(models.Message{Type: models.MessageError, Value: "The agent hit an unexpected error and stopped: " + fmt.Sprint(r)})
			a.finish(StateFailed, "panic")
		}
	}()

	if a.cfg.Permit != nil {
		if err := a.cfg.Permit(ctx); err != nil {
			a.emit(models.Message{Type: models.MessageError, Value: errors.UserMessage(err)})
			a.finish(StateFailed, "not permitted")
			return err
		}
	}

	if err := a.start(ctx); err != nil {
		return a.result(err)
	}
	return a.result(a.loop(ctx))
}

// result drops errors from runs that did not end Failed.
func (a *Agent) result(err error) error {
	if a.State() != StateFailed {
		return nil
	}
	return err
}

func (a *Agent) start(ctx context.Context) error {
	a.emit(models.Message{Type: models.MessageGoal, Value: a.cfg.Goal})
	a.emit(models.Message{Type: models.MessageThinking, Value: "Thinking..."})

	res := a.planner.StartGoal(ctx, a.cfg.Settings, a.cfg.Goal, a.cfg.Language)
	if a.halt(res.Err) {
		return res.Err
	}
	for i, v := range res.Value {
		if i > 0 && !a.pause(ctx, a.cfg.MessageDelay) {
			break
		}
		a.addTask(v, "")
	}
	return nil
}

func (a *Agent) loop(ctx context.Context) error {
	for {
		if a.stopped() {
			a.finish(StateStopped, "stopped")
			return nil
		}
		if !a.waitForPlay(ctx) {
			if ctx.Err() != nil {
				a.finish(StateStopped, "cancelled")
			} else {
				a.finish(StateStopped, "stopped")
			}
			return nil
		}

		task := a.nextTask()
		if task == nil {
			a.emit(models.Message{Type: models.MessageSystem, Value: "All tasks completed. Shutting down."})
			a.finish(StateCompleted, "all tasks completed")
			return nil
		}

		a.mu.Lock()
		a.loops++
		over := a.loops > a.cfg.MaxLoops
		a.mu.Unlock()
		if over {
			a.emit(models.Message{Type: models.MessageSystem, Value: fmt.Sprintf(
				"Reached the loop limit of %d. Add your own API key or raise the limit to continue.", a.cfg.MaxLoops)})
			a.finish(StateCompleted, "loop limit")
			return nil
		}

		if err := a.step(ctx, task); err != nil {
			return err
		}

		a.mu.Lock()
		if a.mode == ModeStepwise {
			a.playing = false
		}
		a.mu.Unlock()
	}
}

// step runs one task through analyse, execute and create.
func (a *Agent) step(ctx context.Context, task *models.Task) error {
	a.setStatus(task, models.StatusExecuting, "")
	a.setCurrent(task.ID)
	defer a.setCurrent("")

	analysis := models.Analysis{Action: models.ActionReason}
	if a.cfg.Settings.WebSearch {
		res := a.planner.AnalyzeTask(ctx, a.cfg.Settings, a.cfg.Goal, task.Value)
		if a.haltTask(task, "", res.Err) {
			return res.Err
		}
		analysis = res.Value
		a.emit(models.Message{Type: models.MessageAction, Value: describe(analysis), TaskID: task.ID})
	}

	exec := a.planner.ExecuteTask(ctx, a.cfg.Settings, a.cfg.Goal, task.Value, analysis, a.cfg.Language)
	if a.haltTask(task, exec.Value, exec.Err) {
		return exec.Err
	}
	a.setStatus(task, models.StatusCompleted, exec.Value)

	a.mu.Lock()
	a.completed = append(a.completed, task.Value)
	completed := append([]string(nil), a.completed...)
	remaining := a.remainingLocked()
	a.mu.Unlock()

	created := a.planner.CreateTasks(ctx, a.cfg.Settings, a.cfg.Goal, remaining, task.Value, exec.Value, completed, a.cfg.Language)
	if a.haltTask(task, exec.Value, created.Err) {
		return created.Err
	}
	if len(created.Value) == 0 {
		a.setStatus(task, models.StatusFinal, exec.Value)
		return nil
	}
	for i, v := range created.Value {
		if i > 0 && !a.pause(ctx, a.cfg.MessageDelay) {
			break
		}
		a.addTask(v, task.ID)
	}
	return nil
}

// halt reports whether the run ends after a planning call: it was stopped
// meanwhile, or err is fatal. Other errors are reported and the run
// continues with the fallback value.
// haltTask is halt for an error raised while working on task. A fatal error
// closes the task as final before the run ends.
func (a *Agent) haltTask(task *models.Task, result string, err error) bool {
	if err != nil && errors.IsFatal(err) && !a.stopped() {
		a.setStatus(task, models.StatusFinal, result)
	}
	return a.halt(err)
}

func (a *Agent) halt(err error) bool {
	if a.stopped() {
		a.finish(StateStopped, "stopped")
		return true
	}
	if err == nil {
		return false
	}
	if errors.IsFatal(err) {
		a.logger.Warn("fatal planning error", "error", err, "kind", errors.KindOf(err))
		a.emit(models.Message{Type: models.MessageError, Value: errors.UserMessage(err)})
		a.finish(StateFailed, errors.KindOf(err).String())
		return true
	}
	a.logger.Info("planning error, continuing", "error", err)
	a.emit(models.Message{Type: models.MessageSystem, Value: errors.UserMessage(err)})
	return false
}

func describe(a models.Analysis) string {
	if a.Action == models.ActionSearch {
		return fmt.Sprintf("Searching the web for %q", a.Arg)
	}
	return "Reasoning: " + a.Arg
}

// Stop ends the run at the next boundary. In-flight calls finish but their
// messages are discarded. Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		wasRunning := a.running
		a.running = false
		a.mu.Unlock()
		close(a.stop)
		if wasRunning {
			a.send(models.Message{Type: models.MessageSystem, Value: "Shutting down at your request."})
		}
		if a.cfg.OnShutdown != nil {
			a.cfg.OnShutdown()
		}
	})
}

// Pause switches the run to stepwise mode; it halts after the current task.
func (a *Agent) Pause() {
	a.mu.Lock()
	a.mode = ModeStepwise
	a.playing = false
	a.mu.Unlock()
}

// Resume lets a paused stepwise run execute its next task.
func (a *Agent) Resume() {
	a.mu.Lock()
	a.playing = true
	a.mu.Unlock()
	select {
	case a.resume <- struct{}{}:
	default:
	}
}

// SetMode switches between automatic and stepwise runs.
func (a *Agent) SetMode(m Mode) {
	a.mu.Lock()
	a.mode = m
	a.mu.Unlock()
	if m == ModeAutomatic {
		a.Resume()
	}
}

func (a *Agent) waitForPlay(ctx context.Context) bool {
	announced := false
	for {
		a.mu.Lock()
		if a.mode != ModeStepwise || a.playing {
			if a.state == StatePaused {
				a.state = StateRunning
			}
			a.mu.Unlock()
			return true
		}
		a.state = StatePaused
		a.mu.Unlock()
		if !announced {
			a.emit(models.Message{Type: models.MessageSystem, Value: "Paused. Resume to run the next task."})
			announced = true
		}
		select {
		case <-a.resume:
		case <-a.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// pause sleeps for d unless the run is stopped first.
func (a *Agent) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !a.stopped()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (a *Agent) stopped() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

func (a *Agent) finish(s State, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return
	}
	a.state = s
	a.reason = reason
	a.running = false
	a.logger.Info("run finished", "state", s, "reason", reason, "loops", a.loops)
}

func (a *Agent) addTask(value, parent string) {
	t := &models.Task{
		ID:        uuid.NewString(),
		ParentID:  parent,
		Value:     value,
		Status:    models.StatusStarted,
		CreatedAt: time.Now(),
	}
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.tasks = append(a.tasks, t)
	a.mu.Unlock()
	a.emit(taskMessage(t))
}

func (a *Agent) nextTask() *models.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tasks {
		if t.Status == models.StatusStarted {
			return t
		}
	}
	return nil
}

func (a *Agent) remainingLocked() []string {
	var out []string
	for _, t := range a.tasks {
		if t.Status == models.StatusStarted {
			out = append(out, t.Value)
		}
	}
	return out
}

// setStatus moves task forward along its lifecycle; backward moves are
// ignored.
func (a *Agent) setStatus(t *models.Task, s models.TaskStatus, result string) {
	a.mu.Lock()
	if s.Rank() <= t.Status.Rank() {
		a.mu.Unlock()
		return
	}
	t.Status = s
	if result != "" {
		t.Result = result
	}
	msg := taskMessage(t)
	a.mu.Unlock()
	a.emit(msg)
}

func taskMessage(t *models.Task) models.Message {
	return models.Message{
		Type:         models.MessageTask,
		Value:        t.Value,
		TaskID:       t.ID,
		ParentTaskID: t.ParentID,
		Status:       t.Status,
		Info:         t.Result,
	}
}

func (a *Agent) setCurrent(id string) {
	a.mu.Lock()
	a.current = id
	a.mu.Unlock()
}

// CurrentTaskID is the task being executed, if any.
func (a *Agent) CurrentTaskID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// emit delivers m unless the run has been stopped.
func (a *Agent) emit(m models.Message) {
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return
	}
	a.send(m)
}

func (a *Agent) send(m models.Message) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if a.cfg.Sink != nil {
		a.cfg.Sink(m)
	}
	a.queue.push(m)
}

// Snapshot is a point-in-time copy of a run.
type Snapshot struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Goal      string        `json:"goal"`
	State     State         `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	Mode      Mode          `json:"mode"`
	Loops     int           `json:"loops"`
	MaxLoops  int           `json:"max_loops"`
	Tasks     []models.Task `json:"tasks"`
	Completed []string      `json:"completed"`
}

func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	tasks := make([]models.Task, len(a.tasks))
	for i, t := range a.tasks {
		tasks[i] = *t
	}
	return Snapshot{
		ID:        a.cfg.ID,
		SessionID: a.cfg.SessionID,
		Goal:      a.cfg.Goal,
		State:     a.state,
		Reason:    a.reason,
		Mode:      a.mode,
		Loops:     a.loops,
		MaxLoops:  a.cfg.MaxLoops,
		Tasks:     tasks,
		Completed: append([]string{}, a.completed...),
	}
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

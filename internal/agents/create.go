package agents

import (
	"context"
	"strings"

	"github.com/example/taskpilot/internal/extract"
	"github.com/example/taskpilot/internal/models"
)

// FilterConfig bounds follow-up task creation so runs terminate.
type FilterConfig struct {
	// Suppress new tasks once completed/(completed+remaining+1) exceeds
	// ProgressRatio and at most ProgressRemaining tasks are left.
	ProgressRatio     float64
	ProgressRemaining int
	// Suppress new tasks while more than MaxRemaining are queued.
	MaxRemaining int
	// A candidate is a duplicate when shared words exceed this fraction of
	// the smaller word set. Words shorter than MinWordLen are ignored.
	OverlapThreshold float64
	MinWordLen       int
	MaxNewTasks      int
}

func DefaultFilter() FilterConfig {
	return FilterConfig{
		ProgressRatio:     0.7,
		ProgressRemaining: 2,
		MaxRemaining:      4,
		OverlapThreshold:  0.6,
		MinWordLen:        4,
		MaxNewTasks:       2,
	}
}

func (f FilterConfig) withDefaults() FilterConfig {
	d := DefaultFilter()
	if f.ProgressRatio <= 0 {
		f.ProgressRatio = d.ProgressRatio
	}
	if f.ProgressRemaining <= 0 {
		f.ProgressRemaining = d.ProgressRemaining
	}
	if f.MaxRemaining <= 0 {
		f.MaxRemaining = d.MaxRemaining
	}
	if f.OverlapThreshold <= 0 {
		f.OverlapThreshold = d.OverlapThreshold
	}
	if f.MinWordLen <= 0 {
		f.MinWordLen = d.MinWordLen
	}
	if f.MaxNewTasks <= 0 {
		f.MaxNewTasks = d.MaxNewTasks
	}
	return f
}

// CreateTasks proposes up to MaxNewTasks follow-ups after lastTask.
func (s *Service) CreateTasks(ctx context.Context, settings models.ModelSettings, goal string, remaining []string, lastTask, lastResult string, completed []string, lang string) Result[[]string] {
	// checked before spending tokens
	if reason := s.filter.suppress(len(completed), len(remaining)); reason != "" {
		s.logger.Debug("no new tasks", "reason", reason, "completed", len(completed), "remaining", len(remaining))
		return ok([]string{})
	}

	raw, err := s.llm.Call(ctx, createTasksPrompt, map[string]string{
		"goal":        goal,
		"completed":   bulleted(completed),
		"remaining":   bulleted(remaining),
		"last_task":   lastTask,
		"last_result": lastResult,
		"language":    language(lang),
	})
	if err != nil {
		s.logger.Warn("create tasks failed", "provider", settings.Provider, "error", err)
		return fallback([]string{}, err)
	}

	existing := make([]string, 0, len(completed)+len(remaining)+1)
	existing = append(existing, completed...)
	existing = append(existing, remaining...)
	if lastTask != "" {
		existing = append(existing, lastTask)
	}
	candidates := extract.Tasks(raw, append(existing, goal))
	return ok(s.filter.Apply(candidates, existing))
}

func (f FilterConfig) suppress(completed, remaining int) string {
	ratio := float64(completed) / float64(completed+remaining+1)
	if ratio > f.ProgressRatio && remaining <= f.ProgressRemaining {
		return "goal nearly complete"
	}
	if remaining > f.MaxRemaining {
		return "too many remaining tasks"
	}
	return ""
}

// Apply drops candidates that overlap existing tasks or each other and caps
// the result at MaxNewTasks.
func (f FilterConfig) Apply(candidates, existing []string) []string {
	f = f.withDefaults()
	seen := make([]map[string]struct{}, 0, len(existing)+len(candidates))
	for _, e := range existing {
		seen = append(seen, f.words(e))
	}
	out := []string{}
	for _, c := range candidates {
		if len(out) == f.MaxNewTasks {
			break
		}
		w := f.words(c)
		dup := false
		for _, s := range seen {
			if f.overlaps(w, s) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen = append(seen, w)
		out = append(out, c)
	}
	return out
}

func (f FilterConfig) words(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) >= f.MinWordLen {
			out[w] = struct{}{}
		}
	}
	return out
}

func (f FilterConfig) overlaps(a, b map[string]struct{}) bool {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	if len(small) == 0 {
		return false
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) > f.OverlapThreshold*float64(len(small))
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

package agents

import (
	"context"
	"strings"

	"github.com/example/taskpilot/internal/extract"
	"github.com/example/taskpilot/internal/models"
)

const maxInitialTasks = 4

// StartGoal produces the initial task list for goal.
func (s *Service) StartGoal(ctx context.Context, settings models.ModelSettings, goal, lang string) Result[[]string] {
	raw, err := s.llm.Call(ctx, startGoalPrompt, map[string]string{
		"goal":     goal,
		"language": language(lang),
	})
	if err != nil {
		s.logger.Warn("start goal failed, using heuristic tasks", "provider", settings.Provider, "error", err)
		return fallback(goalTasks(goal), err)
	}
	res := extract.Parse(raw, []string{goal})
	tasks := res.Tasks
	if len(tasks) > maxInitialTasks {
		tasks = tasks[:maxInitialTasks]
	}
	if len(tasks) == 0 {
		s.logger.Info("no tasks extracted from start goal response", "strategy", res.Strategy)
		return fallback(goalTasks(goal), nil)
	}
	s.logger.Debug("start goal", "tasks", len(tasks), "strategy", res.Strategy)
	return ok(tasks)
}

var goalShapes = []struct {
	keywords []string
	tasks    []string
}{
	{[]string{"research", "investigate", "find out", "analyze", "analyse"}, []string{
		"Gather background information on: %s",
		"Identify the key sources and facts relevant to: %s",
		"Summarize the findings for: %s",
	}},
	{[]string{"create", "build", "write", "design", "make"}, []string{
		"Define the requirements for: %s",
		"Draft a first version of: %s",
		"Review and refine the result of: %s",
	}},
	{[]string{"learn", "study", "understand"}, []string{
		"Outline the core concepts needed to: %s",
		"Find practical learning resources to: %s",
		"Create a step-by-step practice plan to: %s",
	}},
	{[]string{"solve", "fix", "debug", "resolve"}, []string{
		"Clarify the problem behind: %s",
		"List possible solutions for: %s",
		"Evaluate and choose the best solution for: %s",
	}},
	{[]string{"plan", "organize", "organise", "schedule"}, []string{
		"Break down the main components of: %s",
		"Create a timeline for: %s",
		"Identify resources and risks for: %s",
	}},
}

var genericTasks = []string{
	"Understand the scope and constraints of: %s",
	"Research the information needed for: %s",
	"Work out a concrete approach to: %s",
	"Summarize the outcome of: %s",
}

// goalTasks picks canned tasks by the shape of the goal.
func goalTasks(goal string) []string {
	lower := strings.ToLower(goal)
	templates := genericTasks
	for _, shape := range goalShapes {
		if containsAny(lower, shape.keywords) {
			templates = shape.tasks
			break
		}
	}
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = strings.Replace(t, "%s", goal, 1)
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

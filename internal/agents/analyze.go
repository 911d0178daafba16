package agents

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
)

const fallbackReason = "Answer the task using reasoning and general knowledge."

// AnalyzeTask decides whether task needs a web search.
func (s *Service) AnalyzeTask(ctx context.Context, settings models.ModelSettings, goal, task string) Result[models.Analysis] {
	raw, err := s.llm.Call(ctx, analyzeTaskPrompt, map[string]string{"goal": goal, "task": task})
	if err != nil {
		s.logger.Warn("analyze task failed, using keyword heuristic", "provider", settings.Provider, "error", err)
		return fallback(heuristicAnalysis(task), err)
	}
	a, perr := parseAnalysis(raw)
	if perr != nil {
		s.logger.Info("unparseable analysis, using keyword heuristic", "error", perr)
		return fallback(heuristicAnalysis(task), nil)
	}
	if a.Action == models.ActionSearch && strings.TrimSpace(a.Arg) == "" {
		a.Arg = task
	}
	return ok(a)
}

var (
	objectSpan   = regexp.MustCompile(`(?s)\{[^{}]*\}`)
	unquotedKey  = regexp.MustCompile(`([{,]\s*)(action|arg)(\s*:)`)
	unquotedVal  = regexp.MustCompile(`("(?:action|arg)"\s*:\s*)([^"\s,}][^,}\n]*)`)
	trailingComa = regexp.MustCompile(`,\s*}`)
)

func parseAnalysis(raw string) (models.Analysis, error) {
	span := objectSpan.FindString(raw)
	if span == "" {
		return models.Analysis{}, errors.Parse("parse analysis", errors.New("no JSON object"))
	}
	var obj struct {
		Action string `json:"action"`
		Arg    string `json:"arg"`
	}
	if err := json.Unmarshal([]byte(span), &obj); err != nil {
		if err := json.Unmarshal([]byte(sanitizeObject(span)), &obj); err != nil {
			return models.Analysis{}, errors.Parse("parse analysis", err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(obj.Action)) {
	case string(models.ActionSearch):
		return models.Analysis{Action: models.ActionSearch, Arg: strings.TrimSpace(obj.Arg)}, nil
	case string(models.ActionReason):
		return models.Analysis{Action: models.ActionReason, Arg: strings.TrimSpace(obj.Arg)}, nil
	}
	return models.Analysis{}, errors.Parse("parse analysis", errors.New("unknown action "+strconv.Quote(obj.Action)))
}

// sanitizeObject quotes bare keys and values, e.g. {action: search, arg: weather today}.
func sanitizeObject(s string) string {
	if !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	s = unquotedKey.ReplaceAllString(s, `$1"$2"$3`)
	s = unquotedVal.ReplaceAllStringFunc(s, func(m string) string {
		parts := unquotedVal.FindStringSubmatch(m)
		return parts[1] + strconv.Quote(strings.TrimSpace(parts[2]))
	})
	return trailingComa.ReplaceAllString(s, "}")
}

var (
	timelyWords = []string{"current", "latest", "today", "recent", "news", "now", "this week", "this month", "price", "weather", "score"}
	yearLiteral = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

// heuristicAnalysis chooses search for tasks that mention time-sensitive facts.
func heuristicAnalysis(task string) models.Analysis {
	lower := strings.ToLower(task)
	for _, w := range timelyWords {
		if containsWord(lower, w) {
			return models.Analysis{Action: models.ActionSearch, Arg: task}
		}
	}
	if yearLiteral.MatchString(task) {
		return models.Analysis{Action: models.ActionSearch, Arg: task}
	}
	return models.Analysis{Action: models.ActionReason, Arg: fallbackReason}
}

func containsWord(s, w string) bool {
	for i := strings.Index(s, w); i >= 0; {
		before := i == 0 || !isLetter(s[i-1])
		end := i + len(w)
		after := end == len(s) || !isLetter(s[end])
		if before && after {
			return true
		}
		next := strings.Index(s[i+1:], w)
		if next < 0 {
			break
		}
		i += next + 1
	}
	return false
}

func isLetter(b byte) bool { return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' }

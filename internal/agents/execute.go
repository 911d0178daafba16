package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/taskpilot/internal/models"
	"github.com/example/taskpilot/internal/search"
)

const (
	// SearchDisabledNote prefixes answers to tasks that asked for a search
	// while web search is off.
	SearchDisabledNote = "Web search is disabled, so this answer is based on reasoning only."

	maxContextResults = 3
	maxSnippetChars   = 500
	maxContextChars   = 2000
)

// ExecuteTask produces the result text for task. It never fails: errors yield
// a templated answer that names the task.
func (s *Service) ExecuteTask(ctx context.Context, settings models.ModelSettings, goal, task string, analysis models.Analysis, lang string) Result[string] {
	vars := map[string]string{
		"goal":     goal,
		"task":     task,
		"language": language(lang),
	}

	if analysis.Action == models.ActionSearch && settings.WebSearch && s.search != nil {
		query := strings.TrimSpace(analysis.Arg)
		if query == "" {
			query = task
		}
		results, err := s.search.Search(ctx, query)
		if err != nil {
			s.logger.Warn("search failed, answering without context", "query", query, "error", err)
		}
		if results = dedupe(results); len(results) > 0 {
			vars["context"] = searchContext(results)
			out, err := s.llm.Stream(ctx, executeWithContextPrompt, vars, nil)
			if err != nil {
				s.logger.Warn("execute task failed", "task", task, "error", err)
				return fallback(executeFallback(task), err)
			}
			if out = strings.TrimSpace(out); out == "" {
				return fallback(executeFallback(task), nil)
			}
			return ok(out + "\n\n" + sourcesList(results))
		}
	}

	vars["approach"] = approach(analysis)
	out, err := s.llm.Stream(ctx, executeTaskPrompt, vars, nil)
	if err != nil {
		s.logger.Warn("execute task failed", "task", task, "error", err)
		return fallback(executeFallback(task), err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return fallback(executeFallback(task), nil)
	}
	if analysis.Action == models.ActionSearch && !settings.WebSearch {
		out = SearchDisabledNote + "\n\n" + out
	}
	return ok(out)
}

func approach(a models.Analysis) string {
	if a.Action == models.ActionSearch {
		return "this task would benefit from fresh information about \"" + a.Arg + "\"; answer from what you know and say what may be out of date."
	}
	if strings.TrimSpace(a.Arg) != "" {
		return a.Arg
	}
	return fallbackReason
}

func executeFallback(task string) string {
	return fmt.Sprintf("Unable to complete the task %q right now. The model could not be reached or returned no usable answer; the agent will continue with the remaining tasks.", task)
}

func dedupe(results []search.Result) []search.Result {
	seenURL := map[string]bool{}
	seenTitle := map[string]bool{}
	var out []search.Result
	for _, r := range results {
		u := strings.TrimRight(strings.TrimSpace(r.URL), "/")
		t := strings.ToLower(strings.TrimSpace(r.Title))
		if u == "" || seenURL[u] || (t != "" && seenTitle[t]) {
			continue
		}
		seenURL[u] = true
		seenTitle[t] = true
		out = append(out, r)
		if len(out) == maxContextResults {
			break
		}
	}
	return out
}

// searchContext numbers the results so the model can cite them.
func searchContext(results []search.Result) string {
	var b strings.Builder
	for i, r := range results {
		snippet := r.Snippet
		if len([]rune(snippet)) > maxSnippetChars {
			snippet = string([]rune(snippet)[:maxSnippetChars]) + "..."
		}
		entry := fmt.Sprintf("[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, snippet)
		if b.Len()+len(entry) > maxContextChars && b.Len() > 0 {
			break
		}
		b.WriteString(entry)
	}
	return strings.TrimSpace(b.String())
}

func sourcesList(results []search.Result) string {
	var b strings.Builder
	b.WriteString("Sources:")
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = r.URL
		}
		fmt.Fprintf(&b, "\n%d. %s - %s", i+1, title, r.URL)
	}
	return b.String()
}

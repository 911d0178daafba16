// Package extract recovers an ordered task list from free-form model output.
package extract

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

type Strategy string

const (
	StrategyNone       Strategy = "none"
	StrategyEmptyArray Strategy = "empty-array"
	StrategyJSON       Strategy = "json"
	StrategyRepaired   Strategy = "repaired"
	StrategyLines      Strategy = "lines"
	StrategySentences  Strategy = "sentences"
)

// MaxPlainTextTasks caps salvage from prose.
const MaxPlainTextTasks = 5

type Result struct {
	Tasks    []string
	Strategy Strategy
}

// Fallback reports whether the tasks came from prose rather than an array.
func (r Result) Fallback() bool {
	return r.Strategy == StrategyLines || r.Strategy == StrategySentences || r.Strategy == StrategyNone
}

// Tasks is Parse without the strategy.
func Tasks(raw string, exclude []string) []string {
	return Parse(raw, exclude).Tasks
}

// Parse never fails; on total failure it returns an empty list.
func Parse(raw string, exclude []string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Tasks: []string{}, Strategy: StrategyNone}
		}
	}()

	text := normalizeText(raw)
	if text == "" {
		return Result{Tasks: []string{}, Strategy: StrategyNone}
	}
	if emptyArrayOnly.MatchString(text) {
		return Result{Tasks: []string{}, Strategy: StrategyEmptyArray}
	}

	items, strategy := fromArrays(text)
	if strategy == StrategyEmptyArray {
		return Result{Tasks: []string{}, Strategy: strategy}
	}
	if items == nil {
		items, strategy = fromPlainText(text)
	}

	tasks := clean(items, exclude)
	if (strategy == StrategyLines || strategy == StrategySentences) && len(tasks) > MaxPlainTextTasks {
		tasks = tasks[:MaxPlainTextTasks]
	}
	return Result{Tasks: tasks, Strategy: strategy}
}

var (
	emptyArrayOnly = regexp.MustCompile(`^\s*\[\s*\]\s*$`)

	// Ordered from strict to tolerant.
	arrayPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\[\s*"(?:[^"\\]|\\.)*"(?:\s*,\s*"(?:[^"\\]|\\.)*")*\s*,?\s*\]`),
		regexp.MustCompile(`\[\s*'(?:[^'\\]|\\.)*'(?:\s*,\s*'(?:[^'\\]|\\.)*')*\s*,?\s*\]`),
		regexp.MustCompile(`\[\s*["'](?:[^"'\\]|\\.)*["'](?:\s*,\s*["'](?:[^"'\\]|\\.)*["'])*\s*,?\s*\]`),
		regexp.MustCompile(`(?s)\[.*?\]`),
		regexp.MustCompile(`(?s)\[.*\]`),
	}

	singleQuotedItem = regexp.MustCompile(`([\[,]\s*)'((?:[^'\\]|\\.)*)'(\s*[,\]])`)
	trailingComma    = regexp.MustCompile(`,\s*([\]}])`)
	smartQuotes      = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
	flattenSpace     = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")
)

var errNoStrings = errors.New("array has no string items")

// objectKeys are read, in order, from arrays of objects.
var objectKeys = []string{"task", "title", "description", "value", "name", "text"}

func fromArrays(text string) ([]string, Strategy) {
	// Whole arrays first, so string arrays nested in objects are not
	// mistaken for the task list.
	for _, span := range outerArrays(text) {
		if items, _, err := decode(span); err == nil && len(items) > 0 {
			return items, StrategyJSON
		}
	}
	sawEmpty := false
	for _, re := range arrayPatterns {
		for _, m := range re.FindAllString(text, -1) {
			strategy := StrategyJSON
			items, empty, err := decode(m)
			if err != nil {
				strategy = StrategyRepaired
				items, empty, err = decode(repair(m))
			}
			if err != nil {
				continue
			}
			if empty {
				sawEmpty = true
				continue
			}
			return items, strategy
		}
	}
	if items, empty, err := decode(repair(text)); err == nil {
		if !empty {
			return items, StrategyRepaired
		}
		sawEmpty = true
	}
	if sawEmpty {
		return nil, StrategyEmptyArray
	}
	return nil, StrategyNone
}

// outerArrays returns the top-level balanced [...] spans of text. Brackets
// inside double-quoted strings do not count.
func outerArrays(text string) []string {
	var (
		spans    []string
		depth    int
		start    int
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = depth > 0
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				spans = append(spans, text[start:i+1])
			}
		}
	}
	return spans
}

func decode(s string) (items []string, empty bool, err error) {
	var raw []any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, false, err
	}
	if len(raw) == 0 {
		return nil, true, nil
	}
	for _, v := range raw {
		switch t := v.(type) {
		case string:
			items = append(items, t)
		case map[string]any:
			for _, k := range objectKeys {
				if s, ok := t[k].(string); ok && strings.TrimSpace(s) != "" {
					items = append(items, s)
					break
				}
			}
		}
	}
	if len(items) == 0 {
		return nil, false, errNoStrings
	}
	return items, false, nil
}

// repair trims to the outermost brackets and normalises quoting so that
// almost-JSON arrays decode.
func repair(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return s
	}
	t := smartQuotes.Replace(s[start : end+1])
	t = flattenSpace.Replace(t)
	// Adjacent items share a delimiter, so each pass converts every other one.
	for i := 0; i < 64; i++ {
		next := singleQuotedItem.ReplaceAllStringFunc(t, func(m string) string {
			sub := singleQuotedItem.FindStringSubmatch(m)
			inner := strings.ReplaceAll(sub[2], `\'`, `'`)
			b, _ := json.Marshal(inner)
			return sub[1] + string(b) + sub[3]
		})
		if next == t {
			break
		}
		t = next
	}
	return trailingComma.ReplaceAllString(t, "$1")
}

var (
	listLine      = regexp.MustCompile(`(?i)^(?:\(?\d+\s*[.):\-]|[-*•+]|(?:task|step)\s*#?\s*\d+\s*[:.)\-])\s*(.+)$`)
	sentenceSplit = regexp.MustCompile(`(?i)\.\s+|;\s+|\s+and\s+|\s+then\s+`)
)

func fromPlainText(text string) ([]string, Strategy) {
	var kept []string
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "**", ""))
		if utf8.RuneCountInString(line) < 10 {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "goal") || strings.HasPrefix(lower, "note:") {
			continue
		}
		kept = append(kept, line)
		if m := listLine.FindStringSubmatch(line); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	if len(items) > 0 {
		return items, StrategyLines
	}

	for _, frag := range sentenceSplit.Split(strings.Join(kept, " "), -1) {
		frag = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(frag), ".;,:!"))
		n := utf8.RuneCountInString(frag)
		if n < 10 || n > 200 {
			continue
		}
		items = append(items, frag)
		if len(items) == MaxPlainTextTasks {
			break
		}
	}
	if len(items) > 0 {
		return items, StrategySentences
	}
	return nil, StrategyNone
}

func clean(items []string, exclude []string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		v := strings.TrimSpace(strings.Trim(RemovePrefix(item), "\"'`"))
		v = RemovePrefix(v)
		if IsDenied(v) {
			continue
		}
		if _, ok := skip[v]; ok {
			continue
		}
		out = append(out, v)
	}
	return out
}

// normalizeText strips surrounding code fences.
func normalizeText(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if idx := strings.IndexByte(t, '\n'); idx != -1 {
			t = t[idx+1:]
		} else {
			t = strings.TrimPrefix(t, "json")
		}
		if j := strings.LastIndex(t, "```"); j != -1 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}
	return t
}

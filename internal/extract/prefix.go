package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var prefixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:task|step)\s*#?\s*\d+\s*[:.)\-]\s*`),
	regexp.MustCompile(`(?i)^(?:task|step)\s*:\s*`),
	regexp.MustCompile(`^\(?\d+[.)]\s+`),
	regexp.MustCompile(`^\d+\s*[:\-]\s+`),
	regexp.MustCompile(`^[-*•+]\s+`),
	regexp.MustCompile(`^#{1,6}\s+`),
}

// RemovePrefix strips ordinal, bullet and "Task N:" prefixes until none
// remain, so RemovePrefix(RemovePrefix(s)) == RemovePrefix(s).
func RemovePrefix(s string) string {
	s = strings.TrimSpace(s)
	for {
		stripped := false
		for _, re := range prefixPatterns {
			if loc := re.FindStringIndex(s); loc != nil && loc[1] > 0 {
				s = strings.TrimSpace(s[loc[1]:])
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

const minTaskLen = 5

var (
	denyExact = map[string]struct{}{
		"n/a": {}, "na": {}, "none": {}, "null": {}, "nil": {}, "nothing": {}, "no": {}, "[]": {},
	}
	denyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^no (?:new |more |additional |further |other |follow-up )?tasks?\b`),
		regexp.MustCompile(`(?i)\bno (?:new |more |additional |further )?tasks? (?:are |is )?(?:needed|required|necessary)\b`),
		regexp.MustCompile(`(?i)^(?:all )?tasks? (?:are |is |have been |has been )?(?:complete|completed|done|finished)\b`),
		regexp.MustCompile(`(?i)\btask complete\b`),
		regexp.MustCompile(`(?i)^nothing (?:else |more )?(?:to do|left|needed|required)\b`),
		regexp.MustCompile(`(?i)^(?:the |this |our |my )?(?:goal|objective) (?:is|has been|was|achieved|completed|complete|reached)\b`),
		regexp.MustCompile(`(?i)^(?:goal|objective) (?:achieved|completed|complete|reached)`),
	}
)

// IsDenied reports whether a candidate is a "no task" phrasing rather than
// an actionable task.
func IsDenied(s string) bool {
	t := strings.TrimSpace(s)
	if utf8.RuneCountInString(t) < minTaskLen {
		return true
	}
	if _, ok := denyExact[strings.ToLower(t)]; ok {
		return true
	}
	for _, re := range denyPatterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

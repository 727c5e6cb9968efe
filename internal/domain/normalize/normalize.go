// Package normalize rewrites generated reply text into canonical markdown.
package normalize

import (
	"regexp"
	"strings"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Applied in order.
var rules = []rule{
	{regexp.MustCompile(`(?i)<br\s*/?>\s*`), "  \n"},
	{regexp.MustCompile(`\s*\|\|\s*`), "\n\n"},
	{regexp.MustCompile(`\s*\|\s*\|\s*`), "\n\n"},
	{regexp.MustCompile(`[•·]\s?`), "- "},
	{regexp.MustCompile(`\n\s*---+\s*(#+)`), "\n\n${1}"},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
}

// Normalize converts line-break tags, pipe separators, bullet glyphs and
// rule-before-heading sequences into markdown, collapses runs of blank lines
// and trims the result. Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(text string) string {
	if text == "" {
		return text
	}
	// A pass that changes the text removes at least one markup token, so the
	// loop reaches a fixed point.
	for {
		next := pass(text)
		if next == text {
			return next
		}
		text = next
	}
}

func pass(text string) string {
	for _, r := range rules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return strings.TrimSpace(text)
}

// NormalizeValue normalizes strings decoded from loosely typed payloads and
// returns every other value unchanged.
func NormalizeValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return Normalize(s)
}

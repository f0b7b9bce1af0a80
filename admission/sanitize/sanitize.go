// Package sanitize cleans adversarial input before any downstream
// component sees it. It strips control bytes, reduces markup to a small
// allow-list of inert inline tags, and removes script-injection
// patterns, recursively over nested values. Sanitization is best
// effort: it never fails, always returning a cleaned value plus a list
// of violations for observability.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// pre-compiled for performance
var (
	scriptBlockRegex  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	javascriptRegex   = regexp.MustCompile(`(?i)javascript:`)
	eventHandlerRegex = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// deepPasses run in a fixed order so the violations sequence is stable.
var deepPasses = []struct {
	rule string
	re   *regexp.Regexp
}{
	{"script-block", scriptBlockRegex},
	{"javascript-uri", javascriptRegex},
	{"event-handler", eventHandlerRegex},
}

// Violation records one sanitization action for observability. Fragment
// holds a short prefix of the offending input, never the full payload.
type Violation struct {
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Fragment string `json:"fragment"`
}

// Result is a derived value, not persisted anywhere.
type Result struct {
	Cleaned    any
	Violations []Violation
}

type Config struct {
	// MaxStringLen truncates longer strings silently; the truncation is
	// still recorded as a violation. Zero means the default of 10000.
	MaxStringLen int

	// AllowedTags is the inline markup kept with all attributes
	// stripped. Nil means the default inert set.
	AllowedTags []string
}

type Sanitizer struct {
	config Config
	policy *bluemonday.Policy
}

const fragmentLen = 64

// DefaultAllowedTags is the inert inline set kept by default. No
// attributes are ever permitted, whatever the tag.
var DefaultAllowedTags = []string{"b", "i", "em", "strong", "p", "br"}

func New(config Config) *Sanitizer {
	if config.MaxStringLen <= 0 {
		config.MaxStringLen = 10000
	}
	if config.AllowedTags == nil {
		config.AllowedTags = DefaultAllowedTags
	}

	policy := bluemonday.NewPolicy()
	policy.AllowElements(config.AllowedTags...)

	return &Sanitizer{config: config, policy: policy}
}

// Sanitize cleans a value recursively. Strings, map keys and values,
// and slice elements are cleaned; all other scalars pass through
// unchanged. The result is idempotent: sanitizing cleaned output again
// yields the same value and no new violations.
func (s *Sanitizer) Sanitize(v any) Result {
	res := Result{}
	res.Cleaned = s.walk(v, "", &res.Violations)
	return res
}

// Clean is the single-string form, for callers that only handle flat
// values such as query parameters and headers.
func (s *Sanitizer) Clean(field, value string) (string, []Violation) {
	var violations []Violation
	cleaned := s.cleanString(value, field, &violations)
	return cleaned, violations
}

func (s *Sanitizer) walk(v any, path string, violations *[]Violation) any {
	switch val := v.(type) {
	case string:
		return s.cleanString(val, path, violations)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			cleanKey := s.cleanString(k, joinPath(path, k), violations)
			out[cleanKey] = s.walk(item, joinPath(path, k), violations)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.walk(item, fmt.Sprintf("%s[%d]", path, i), violations)
		}
		return out
	default:
		// numbers, bools, nil: nothing to clean
		return v
	}
}

func (s *Sanitizer) cleanString(in, field string, violations *[]Violation) string {
	out := in

	// 1. drop NUL and C0 controls, keeping tab and newline
	stripped := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, out)
	if stripped != out {
		record(violations, field, "control-chars", in)
		out = stripped
	}

	// 2. allow-list HTML sanitization, attribute-free; disallowed tags
	// are stripped but their text content survives
	sanitized := s.policy.Sanitize(out)
	if sanitized != out {
		record(violations, field, "markup", out)
		out = sanitized
	}

	// 3. defense in depth for what the allow-list pass may normalize
	// away rather than remove, e.g. inside attribute values
	for _, pass := range deepPasses {
		replaced := pass.re.ReplaceAllString(out, "")
		if replaced != out {
			record(violations, field, pass.rule, out)
			out = replaced
		}
	}

	// 4. trim surrounding whitespace
	out = strings.TrimSpace(out)

	// 5. silent truncation, recorded for observability; the cut backs up
	// to a rune boundary and the exposed tail is re-trimmed so cleaning
	// the output again changes nothing
	if len(out) > s.config.MaxStringLen {
		record(violations, field, "truncated", out)
		cut := s.config.MaxStringLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = strings.TrimSpace(out[:cut])
	}

	return out
}

func record(violations *[]Violation, field, rule, original string) {
	frag := original
	if len(frag) > fragmentLen {
		frag = frag[:fragmentLen]
	}
	*violations = append(*violations, Violation{Field: field, Rule: rule, Fragment: frag})
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

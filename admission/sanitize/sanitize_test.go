package sanitize

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCleanStrings(t *testing.T) {
	s := New(Config{})

	tests := []struct {
		name  string
		in    string
		want  string
		rules []string
	}{
		{"clean text untouched", "Hello World", "Hello World", nil},
		{"allowed markup kept", "Hello <b>World</b>", "Hello <b>World</b>", nil},
		{"script block removed", "<script>alert(1)</script>Hello <b>World</b>", "Hello <b>World</b>", []string{"markup"}},
		{"javascript uri removed", "javascript:alert(1)", "alert(1)", []string{"javascript-uri"}},
		{"event handler removed", "a onclick=alert(1) b", "a alert(1) b", []string{"event-handler"}},
		{"control chars stripped", "ab\x00cd\x07ef", "abcdef", []string{"control-chars"}},
		{"tab and newline survive", "ab\tcd\nef", "ab\tcd\nef", nil},
		{"surrounding whitespace trimmed", "  hello  ", "hello", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, violations := s.Clean("field", tt.in)
			if got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
			for _, rule := range tt.rules {
				if !hasRule(violations, rule) {
					t.Errorf("missing violation rule %q, got %v", rule, violations)
				}
			}
			if tt.rules == nil && len(violations) != 0 {
				t.Errorf("unexpected violations: %v", violations)
			}
		})
	}
}

func TestTruncation(t *testing.T) {
	s := New(Config{MaxStringLen: 10})

	got, violations := s.Clean("note", strings.Repeat("x", 25))
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
	if !hasRule(violations, "truncated") {
		t.Errorf("truncation not recorded: %v", violations)
	}
}

func TestTruncatedOutputIsStable(t *testing.T) {
	s := New(Config{MaxStringLen: 10})

	tests := []struct {
		name string
		in   string
	}{
		{"cut lands after whitespace", "aaaaaaaaa x"},
		{"cut lands inside a multibyte rune", "aaaaaaaaa€€"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, violations := s.Clean("note", tt.in)
			if !hasRule(violations, "truncated") {
				t.Fatalf("truncation not recorded: %v", violations)
			}
			if !utf8.ValidString(first) {
				t.Errorf("Clean(%q) = %q, invalid UTF-8", tt.in, first)
			}
			if strings.TrimSpace(first) != first {
				t.Errorf("Clean(%q) = %q, not trimmed", tt.in, first)
			}

			second, again := s.Clean("note", first)
			if second != first {
				t.Errorf("second pass %q != first pass %q", second, first)
			}
			if len(again) != 0 {
				t.Errorf("second pass recorded violations: %v", again)
			}
		})
	}
}

func TestRecursiveWalk(t *testing.T) {
	s := New(Config{})

	res := s.Sanitize(map[string]any{
		"name": "<script>alert(1)</script>Widget",
		"tags": []any{"clean", "javascript:void(0)"},
		"nested": map[string]any{
			"note": "fine",
		},
		"price": 19.99,
		"live":  true,
	})

	cleaned, ok := res.Cleaned.(map[string]any)
	if !ok {
		t.Fatalf("cleaned value is %T, want map", res.Cleaned)
	}
	if cleaned["name"] != "Widget" {
		t.Errorf("name = %q, want Widget", cleaned["name"])
	}
	tags := cleaned["tags"].([]any)
	if tags[1] != "void(0)" {
		t.Errorf("tags[1] = %q, want void(0)", tags[1])
	}
	if cleaned["price"] != 19.99 || cleaned["live"] != true {
		t.Errorf("scalars changed: %v", cleaned)
	}

	fields := map[string]bool{}
	for _, v := range res.Violations {
		fields[v.Field] = true
	}
	if !fields["name"] {
		t.Errorf("no violation recorded for name, got %v", res.Violations)
	}
	if !fields["tags[1]"] {
		t.Errorf("no violation recorded for tags[1], got %v", res.Violations)
	}
}

func TestIdempotent(t *testing.T) {
	s := New(Config{})

	payload := map[string]any{
		"title": "<script>steal()</script>Summer <em>Sale</em>",
		"items": []any{"javascript:run()", "plain"},
	}

	first := s.Sanitize(payload)
	if len(first.Violations) == 0 {
		t.Fatal("first pass recorded no violations")
	}

	second := s.Sanitize(first.Cleaned)
	if len(second.Violations) != 0 {
		t.Errorf("second pass recorded violations: %v", second.Violations)
	}
	if !reflect.DeepEqual(first.Cleaned, second.Cleaned) {
		t.Errorf("second pass changed value: %v vs %v", first.Cleaned, second.Cleaned)
	}
}

func TestFragmentBounded(t *testing.T) {
	s := New(Config{MaxStringLen: 100})

	long := strings.Repeat("a", 90) + "\x00" + strings.Repeat("b", 90)
	_, violations := s.Clean("big", long)
	if len(violations) == 0 {
		t.Fatal("expected a violation")
	}
	for _, v := range violations {
		if len(v.Fragment) > fragmentLen {
			t.Errorf("fragment length %d exceeds %d", len(v.Fragment), fragmentLen)
		}
	}
}

func BenchmarkCleanString(b *testing.B) {
	s := New(Config{})
	b.Run("clean", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			s.Clean("q", "wireless noise cancelling headphones")
		}
	})
	b.Run("hostile", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			s.Clean("q", "<script>alert(1)</script>javascript:run() onload=x")
		}
	})
}

func BenchmarkSanitizePayload(b *testing.B) {
	s := New(Config{})
	payload := map[string]any{
		"name":  "Widget <b>Pro</b>",
		"tags":  []any{"audio", "wireless", "<script>x</script>"},
		"price": 79.99,
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		s.Sanitize(payload)
	}
}

func hasRule(violations []Violation, rule string) bool {
	for _, v := range violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

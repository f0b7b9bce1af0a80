// Package headers injects fixed protective headers on every response,
// with optional per-path rules for overrides.
package headers

import (
	"net/http"
	"path/filepath"
)

type Operation string

const (
	OpAdd    Operation = "add"
	OpSet    Operation = "set"
	OpRemove Operation = "remove"
)

// Rule is an extra header mutation applied to responses whose path
// matches the glob pattern. An empty Path matches everything.
type Rule struct {
	Path      string
	Operation Operation
	Header    string
	Value     string
}

type Config struct {
	Enabled bool
	HSTS    bool // only meaningful behind TLS
	Rules   []Rule
}

type Injector struct {
	config Config
}

func NewInjector(config Config) *Injector {
	return &Injector{config: config}
}

// defaults are stateless and applied to every response.
var defaults = map[string]string{
	"X-Content-Type-Options":     "nosniff",
	"X-Frame-Options":            "DENY",
	"Referrer-Policy":            "strict-origin-when-cross-origin",
	"Content-Security-Policy":    "default-src 'self'; frame-ancestors 'none'",
	"Cross-Origin-Opener-Policy": "same-origin",
}

// Apply sets the protective defaults and then runs any configured rules.
func (inj *Injector) Apply(w http.ResponseWriter, path string) {
	if !inj.config.Enabled {
		return
	}

	h := w.Header()
	for name, value := range defaults {
		h.Set(name, value)
	}
	if inj.config.HSTS {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	for _, rule := range inj.config.Rules {
		if rule.Path != "" {
			matched, _ := filepath.Match(rule.Path, path)
			if !matched {
				continue
			}
		}

		switch rule.Operation {
		case OpAdd:
			h.Add(rule.Header, rule.Value)
		case OpSet:
			h.Set(rule.Header, rule.Value)
		case OpRemove:
			h.Del(rule.Header)
		}
	}
}

// Middleware wraps a handler so headers are injected before it writes.
func (inj *Injector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inj.Apply(w, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

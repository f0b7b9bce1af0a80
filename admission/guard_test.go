package admission

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gatehouse/admission/ddos"
	"gatehouse/admission/fingerprint"
	"gatehouse/admission/ratelimit"
	"gatehouse/admission/requestid"
	"gatehouse/admission/sanitize"
	"gatehouse/admission/store"
)

func newTestGuard(t *testing.T, opts Options) *Guard {
	t.Helper()

	mem := store.NewMemory(store.MemoryConfig{})
	if opts.Extractor == nil {
		opts.Extractor = fingerprint.NewExtractor(fingerprint.Config{})
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.New(sanitize.Config{})
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewEngine(mem, ratelimit.Config{}, zerolog.Nop())
	}
	if opts.DDoS == nil {
		opts.DDoS = ddos.NewEngine(mem, ddos.Config{}, zerolog.Nop())
	}
	opts.Log = zerolog.Nop()
	return NewGuard(opts)
}

func protect(g *Guard, route Route, next http.Handler) http.Handler {
	return requestid.Middleware(g.Protect(route, next))
}

type envelopeBody struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	RequestID  string `json:"request_id"`
	Details    any    `json:"details"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelopeBody {
	t.Helper()
	var env envelopeBody
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("response is not an envelope: %v", err)
	}
	return env
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
}

func get(h http.Handler, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = ip + ":40000"
	req.Header.Set("User-Agent", "test-client/1.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdmittedRequestReachesHandler(t *testing.T) {
	g := newTestGuard(t, Options{})
	h := protect(g, Route{}, okHandler())

	rec := get(h, "/api/products", "203.0.113.1")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("status %d body %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(requestid.Header) == "" {
		t.Error("request id not echoed")
	}
}

func TestRateLimitEnvelope(t *testing.T) {
	g := newTestGuard(t, Options{})
	route := Route{Rule: ratelimit.Rule{Limit: 2, Window: time.Minute}}
	h := protect(g, route, okHandler())

	for i := 0; i < 2; i++ {
		if rec := get(h, "/api/products", "203.0.113.2"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status %d", i+1, rec.Code)
		}
	}

	rec := get(h, "/api/products", "203.0.113.2")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.ErrorCode != "rate_limit_exceeded" {
		t.Errorf("error code = %q", env.ErrorCode)
	}
	if env.RequestID == "" {
		t.Error("request id missing from envelope")
	}
	if env.Details != nil {
		t.Error("rate limit envelope must not carry details")
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	g := newTestGuard(t, Options{})
	route := Route{Rule: ratelimit.Rule{Limit: 1, Window: time.Minute}}
	h := protect(g, route, okHandler())

	get(h, "/api/products", "203.0.113.3")
	if rec := get(h, "/api/products", "203.0.113.3"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same key not limited: %d", rec.Code)
	}

	// different IP, same route
	if rec := get(h, "/api/products", "203.0.113.4"); rec.Code != http.StatusOK {
		t.Errorf("other IP caught by the first key: %d", rec.Code)
	}
	// same IP, different route
	if rec := get(h, "/api/reviews", "203.0.113.3"); rec.Code != http.StatusOK {
		t.Errorf("other route caught by the first key: %d", rec.Code)
	}
}

func TestDDoSBlockEnvelope(t *testing.T) {
	g := newTestGuard(t, Options{
		DDoS: ddos.NewEngine(store.NewMemory(store.MemoryConfig{}), ddos.Config{
			ObservationWindow: 10 * time.Second,
			RateThreshold:     5,
			BlockBase:         30 * time.Second,
		}, zerolog.Nop()),
	})
	route := Route{Rule: ratelimit.Rule{Limit: 1000, Window: time.Minute}}
	h := protect(g, route, okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rec = get(h, "/api/products", "203.0.113.5")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.ErrorCode != "request_blocked" {
		t.Errorf("error code = %q", env.ErrorCode)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on block")
	}
}

func TestGlobalThrottle(t *testing.T) {
	g := newTestGuard(t, Options{GlobalRPS: 1, GlobalBurst: 1})
	h := protect(g, Route{}, okHandler())

	if rec := get(h, "/api/products", "203.0.113.6"); rec.Code != http.StatusOK {
		t.Fatalf("first request shed: %d", rec.Code)
	}
	rec := get(h, "/api/products", "203.0.113.7")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.ErrorCode != "service_unavailable" {
		t.Errorf("error code = %q", env.ErrorCode)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	g := newTestGuard(t, Options{})
	h := protect(g, Route{}, okHandler())

	req := httptest.NewRequest("POST", "/api/products", strings.NewReader(`{"name": `))
	req.RemoteAddr = "203.0.113.8:40000"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.ErrorCode != "validation_error" {
		t.Errorf("error code = %q", env.ErrorCode)
	}
	if env.Details == nil {
		t.Error("validation envelope should name the field")
	}
}

func TestBodySanitizedInPlace(t *testing.T) {
	g := newTestGuard(t, Options{})

	var seen map[string]any
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("handler could not decode body: %v", err)
		}
	})
	h := protect(g, Route{}, next)

	body := `{"name":"<script>alert(1)</script>Widget","note":"javascript:run()"}`
	req := httptest.NewRequest("POST", "/api/products", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen["name"] != "Widget" {
		t.Errorf("name = %q, want Widget", seen["name"])
	}
	if seen["note"] != "run()" {
		t.Errorf("note = %q, want run()", seen["note"])
	}
}

func TestQuerySanitizedInPlace(t *testing.T) {
	g := newTestGuard(t, Options{})

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query().Get("q")
	})
	h := protect(g, Route{}, next)

	rec := get(h, "/search?q=javascript:alert(1)", "203.0.113.10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen != "alert(1)" {
		t.Errorf("q = %q, want alert(1)", seen)
	}
}

func TestAllowlistedHeaderSanitized(t *testing.T) {
	g := newTestGuard(t, Options{HeaderAllowlist: []string{"X-Search-Query"}})

	var cleaned, untouched string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleaned = r.Header.Get("X-Search-Query")
		untouched = r.Header.Get("X-Opaque-Token")
	})
	h := protect(g, Route{}, next)

	req := httptest.NewRequest("GET", "/search", nil)
	req.RemoteAddr = "203.0.113.11:40000"
	req.Header.Set("User-Agent", "test-client/1.0")
	req.Header.Set("X-Search-Query", "javascript:steal()")
	req.Header.Set("X-Opaque-Token", "javascript:keep-me")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if cleaned != "steal()" {
		t.Errorf("allowlisted header = %q, want cleaned", cleaned)
	}
	if untouched != "javascript:keep-me" {
		t.Errorf("non-allowlisted header modified: %q", untouched)
	}
}

func TestPanicBecomesInternalEnvelope(t *testing.T) {
	g := newTestGuard(t, Options{})
	h := protect(g, Route{}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := get(h, "/api/products", "203.0.113.12")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.ErrorCode != "internal_error" {
		t.Errorf("error code = %q", env.ErrorCode)
	}
}

// Package admission decides, before any business handler runs, whether
// an inbound request may proceed. The pipeline runs fingerprint
// extraction, input sanitization, per-key rate limiting and behavioral
// DDoS scoring in that order; every stage returns an explicit decision
// and only the HTTP adapter translates a negative one into a response.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gatehouse/admission/ddos"
	"gatehouse/admission/envelope"
	"gatehouse/admission/fingerprint"
	"gatehouse/admission/ratelimit"
	"gatehouse/admission/sanitize"
	"gatehouse/internal/metrics"
)

// Route is the per-route admission configuration, resolved once at
// registration time and passed in alongside each request.
type Route struct {
	Template string
	Rule     ratelimit.Rule
}

// Decision is the outcome of the full pipeline for one request.
type Decision struct {
	Allowed     bool
	Kind        envelope.Kind
	Reason      string
	RetryAfter  time.Duration
	Severity    ddos.Severity
	Fingerprint fingerprint.Fingerprint
	Remaining   int64
	ResetAt     time.Time
	Violations  []sanitize.Violation
	Details     any
}

type Options struct {
	Extractor *fingerprint.Extractor
	Sanitizer *sanitize.Sanitizer
	Limiter   *ratelimit.Engine
	DDoS      *ddos.Engine

	// HeaderAllowlist names the only request headers the sanitizer may
	// rewrite; all others pass through untouched.
	HeaderAllowlist []string

	// GlobalRPS sheds load across all keys before any per-key work;
	// zero disables the throttle.
	GlobalRPS   float64
	GlobalBurst int

	MaxBodyBytes int64

	Log zerolog.Logger
}

// Guard orchestrates the pipeline. Safe for concurrent use; all
// mutable state lives in the engines' shared stores.
type Guard struct {
	extractor *fingerprint.Extractor
	sanitizer *sanitize.Sanitizer
	limiter   *ratelimit.Engine
	ddos      *ddos.Engine

	headerAllowlist []string
	throttle        *rate.Limiter
	maxBodyBytes    int64
	log             zerolog.Logger

	now func() time.Time
}

func NewGuard(opts Options) *Guard {
	g := &Guard{
		extractor:       opts.Extractor,
		sanitizer:       opts.Sanitizer,
		limiter:         opts.Limiter,
		ddos:            opts.DDoS,
		headerAllowlist: opts.HeaderAllowlist,
		maxBodyBytes:    opts.MaxBodyBytes,
		log:             opts.Log,
		now:             time.Now,
	}
	if g.maxBodyBytes <= 0 {
		g.maxBodyBytes = 1 << 20
	}
	if opts.GlobalRPS > 0 {
		burst := opts.GlobalBurst
		if burst <= 0 {
			burst = int(opts.GlobalRPS)
		}
		g.throttle = rate.NewLimiter(rate.Limit(opts.GlobalRPS), burst)
	}
	return g
}

// Check runs the pipeline for one request. It mutates the request in
// place where sanitization rewrites query, headers or body, and returns
// the decision; it never panics and never writes to the response.
func (g *Guard) Check(ctx context.Context, r *http.Request, route Route) Decision {
	start := g.now()
	fp := g.extractor.Extract(r, route.Template)
	metrics.RequestsTotal.WithLabelValues(r.Method, fp.Route).Inc()

	dec := g.check(ctx, r, route, fp)
	dec.Fingerprint = fp

	outcome := "allowed"
	if !dec.Allowed {
		outcome = "blocked"
		metrics.RequestsBlocked.WithLabelValues(dec.Reason).Inc()
	} else {
		metrics.RequestsAllowed.Inc()
	}
	metrics.AdmissionDuration.WithLabelValues(outcome).Observe(g.now().Sub(start).Seconds())

	return dec
}

func (g *Guard) check(ctx context.Context, r *http.Request, route Route, fp fingerprint.Fingerprint) Decision {
	// cheapest first: the process-wide ceiling
	if g.throttle != nil && !g.throttle.Allow() {
		metrics.GlobalThrottled.Inc()
		return Decision{
			Kind:       envelope.KindServiceUnavailable,
			Reason:     "global-throttle",
			RetryAfter: time.Second,
		}
	}

	violations, problem := g.scrub(r)
	for _, v := range violations {
		metrics.SanitizerViolations.WithLabelValues(v.Rule).Inc()
	}
	if problem != nil {
		return Decision{
			Kind:       envelope.KindValidation,
			Reason:     "validation",
			Violations: violations,
			Details:    problem,
		}
	}

	limitDec := g.limiter.CheckAndConsume(ctx, fp, route.Rule, 1)
	if !limitDec.Allowed {
		return Decision{
			Kind:       envelope.KindRateLimited,
			Reason:     "rate-limit",
			RetryAfter: limitDec.ResetAt.Sub(g.now()),
			Remaining:  limitDec.Remaining,
			ResetAt:    limitDec.ResetAt,
			Violations: violations,
		}
	}

	verdict := g.ddos.Evaluate(ctx, fp.IP, r.UserAgent(), fp.Route, g.now())
	if !verdict.Allowed {
		return Decision{
			Kind:       envelope.KindDDoSBlocked,
			Reason:     "ddos:" + verdict.Reason,
			RetryAfter: verdict.BlockDuration,
			Severity:   verdict.Severity,
			Violations: violations,
		}
	}

	return Decision{
		Allowed:    true,
		Remaining:  limitDec.Remaining,
		ResetAt:    limitDec.ResetAt,
		Severity:   verdict.Severity,
		Violations: violations,
	}
}

// fieldIssue is the only shape that ever reaches envelope details.
type fieldIssue struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// scrub sanitizes query parameters, the allow-listed headers, and a
// JSON body when present. Sanitization itself never rejects; only a
// body that cannot be parsed at all comes back as a problem.
func (g *Guard) scrub(r *http.Request) ([]sanitize.Violation, *fieldIssue) {
	var violations []sanitize.Violation

	q := r.URL.Query()
	changed := false
	for key, vals := range q {
		for i, v := range vals {
			cleaned, vs := g.sanitizer.Clean("query."+key, v)
			if cleaned != v {
				q[key][i] = cleaned
				changed = true
			}
			violations = append(violations, vs...)
		}
	}
	if changed {
		r.URL.RawQuery = q.Encode()
	}

	for _, name := range g.headerAllowlist {
		vals := r.Header.Values(name)
		for i, v := range vals {
			cleaned, vs := g.sanitizer.Clean("header."+name, v)
			if cleaned != v {
				vals[i] = cleaned
			}
			violations = append(violations, vs...)
		}
	}

	bodyViolations, problem := g.scrubBody(r)
	violations = append(violations, bodyViolations...)
	return violations, problem
}

func (g *Guard) scrubBody(r *http.Request) ([]sanitize.Violation, *fieldIssue) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, nil
	}
	ct := r.Header.Get("Content-Type")
	if !isJSON(ct) {
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes))
	_ = r.Body.Close()
	if err != nil {
		return nil, &fieldIssue{Field: "body", Issue: "unreadable"}
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// restore so upstream error handling can still log size etc.
		r.Body = io.NopCloser(bytes.NewReader(raw))
		return nil, &fieldIssue{Field: "body", Issue: "malformed JSON"}
	}

	res := g.sanitizer.Sanitize(parsed)
	cleaned, err := json.Marshal(res.Cleaned)
	if err != nil {
		return res.Violations, &fieldIssue{Field: "body", Issue: "unserializable"}
	}

	r.Body = io.NopCloser(bytes.NewReader(cleaned))
	r.ContentLength = int64(len(cleaned))
	return res.Violations, nil
}

func isJSON(contentType string) bool {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType) == "application/json"
}

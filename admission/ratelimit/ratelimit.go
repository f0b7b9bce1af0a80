// Package ratelimit enforces per-fingerprint fixed-window quotas. It is
// the first, cheap line of throttling, running before the behavioral
// DDoS scoring so over-quota traffic is shed early.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"gatehouse/admission/fingerprint"
	"gatehouse/internal/metrics"
)

func opOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Window is the state of one fixed-window bucket as seen by a single
// check. Count is the logical count after the increment and may exceed
// Limit by the cost of a rejected call; the persisted counter is
// clamped at the limit so retried traffic cannot grow it unboundedly.
type Window struct {
	Count int64
	Start time.Time
	Reset time.Time
}

// Store is the atomic counter contract a backing store must satisfy.
// Incr initializes or rolls the window and applies the increment as one
// linearizable per-key operation: no two concurrent calls for the same
// key may both observe room below the limit once the combined count
// would exceed it.
type Store interface {
	Incr(ctx context.Context, key string, cost, limit int64, window time.Duration) (Window, error)
}

// Rule is the quota for one route class, resolved once at registration
// time rather than discovered per request.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

type Config struct {
	DefaultRule Rule

	// FailOpen selects availability over enforcement when the store is
	// unreachable or times out. The inverse denies instead. This must
	// remain an explicit operator choice.
	FailOpen     bool
	StoreTimeout time.Duration
}

// Engine checks and consumes quota against the shared store. All state
// lives in the store; the engine itself is stateless apart from the
// analytics accumulator and safe for concurrent use.
type Engine struct {
	config    Config
	store     Store
	analytics *Analytics
	log       zerolog.Logger

	now func() time.Time
}

func NewEngine(store Store, config Config, log zerolog.Logger) *Engine {
	if config.DefaultRule.Limit <= 0 {
		config.DefaultRule.Limit = 100
	}
	if config.DefaultRule.Window <= 0 {
		config.DefaultRule.Window = time.Minute
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 150 * time.Millisecond
	}
	return &Engine{
		config:    config,
		store:     store,
		analytics: newAnalytics(),
		log:       log,
		now:       time.Now,
	}
}

// CheckAndConsume applies cost against the fingerprint's bucket under
// the given rule. A zero rule falls back to the engine default.
func (e *Engine) CheckAndConsume(ctx context.Context, fp fingerprint.Fingerprint, rule Rule, cost int64) Decision {
	if rule.Limit <= 0 || rule.Window <= 0 {
		rule = e.config.DefaultRule
	}
	if cost <= 0 {
		cost = 1
	}

	key := fp.Key()

	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()

	opStart := e.now()
	win, err := e.store.Incr(ctx, key, cost, rule.Limit, rule.Window)
	metrics.StoreOpDuration.WithLabelValues("incr", opOutcome(err)).Observe(e.now().Sub(opStart).Seconds())
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Bool("fail_open", e.config.FailOpen).
			Msg("rate limit store unavailable")
		e.analytics.recordCheck(key, e.config.FailOpen)
		return Decision{
			Allowed: e.config.FailOpen,
			ResetAt: e.now().Add(rule.Window),
		}
	}

	allowed := win.Count <= rule.Limit
	remaining := rule.Limit - win.Count
	if remaining < 0 {
		remaining = 0
	}

	e.analytics.recordCheck(key, allowed)

	return Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   win.Reset,
	}
}

// Analytics exposes the read-only aggregate built from per-check
// counters. It never scans the store.
func (e *Engine) Analytics() Report {
	return e.analytics.report()
}

// Package ddos escalates anomalous traffic sources through severity
// tiers and imposes temporary blocks with exponential backoff. It runs
// after the rate limiter: quota checks are cheap and shed the obvious
// offenders before behavioral scoring spends any effort on them.
package ddos

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gatehouse/internal/metrics"
)

// Severity is the escalation tier governing block duration.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

// Event is one observed request inside the sliding window.
type Event struct {
	At    int64  `json:"at"` // unix milliseconds
	Route string `json:"route"`
	NoUA  bool   `json:"no_ua"`
}

// Score is the tracked state for one IP. It lives in the shared store
// and is shared by all concurrent requests from that IP; mutations go
// through Store.Update so they are atomic per key.
type Score struct {
	ViolationCount int       `json:"violation_count"`
	Severity       Severity  `json:"severity"`
	BlockedUntil   time.Time `json:"blocked_until"`
	Events         []Event   `json:"events"`
	LastDecay      time.Time `json:"last_decay"`
}

// Blocked reports whether the score carries an unexpired block.
func (s *Score) Blocked(now time.Time) bool {
	return !s.BlockedUntil.IsZero() && now.Before(s.BlockedUntil)
}

// Store is the per-IP state contract a backing store must satisfy.
// Update applies fn to the current score (zero value when absent) as a
// single atomic per-key operation and refreshes the entry's TTL.
type Store interface {
	Update(ctx context.Context, ip string, ttl time.Duration, fn func(*Score)) (Score, error)
}

// StatsProvider is optionally implemented by stores that can report
// aggregate score state for the stats endpoint.
type StatsProvider interface {
	ScoreStats(ctx context.Context, now time.Time) (tracked, blocked int, err error)
}

// Inspector is optionally implemented by stores that can read a score
// without touching it: no TTL refresh, no entry creation.
type Inspector interface {
	GetScore(ctx context.Context, ip string) (Score, bool, error)
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Allowed       bool
	Reason        string
	Severity      Severity
	BlockDuration time.Duration
}

// Config holds the anomaly thresholds. Values here are operator
// configuration with defaults, not fixed contracts.
type Config struct {
	// ObservationWindow is the sliding interval the signals are
	// computed over; RateThreshold is the request count inside that
	// window that crosses into LOW. MEDIUM/HIGH/CRITICAL sit at 2x, 4x
	// and 8x the threshold.
	ObservationWindow time.Duration
	RateThreshold     int

	// PathDiversityRatio flags scanning: distinct route templates over
	// total requests at or above this ratio, once at least
	// PathDiversityMin requests are in the window.
	PathDiversityRatio float64
	PathDiversityMin   int

	// MissingUAWeight inflates the effective request count when the
	// user-agent is absent. It is a weak signal: with a weight below
	// 1.0 it can never trip the threshold on its own.
	MissingUAWeight float64

	// BlockBase doubles per severity tier up to BlockCeiling.
	BlockBase    time.Duration
	BlockCeiling time.Duration

	// DecayInterval is the clean time after which severity steps down
	// one tier. ScoreTTL evicts idle scores entirely.
	DecayInterval time.Duration
	ScoreTTL      time.Duration

	// MaxEvents caps the per-IP window so a flood cannot grow memory.
	MaxEvents int

	FailOpen     bool
	StoreTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ObservationWindow <= 0 {
		c.ObservationWindow = time.Minute
	}
	if c.RateThreshold <= 0 {
		c.RateThreshold = 600
	}
	if c.PathDiversityRatio <= 0 {
		c.PathDiversityRatio = 0.85
	}
	if c.PathDiversityMin <= 0 {
		c.PathDiversityMin = 25
	}
	if c.MissingUAWeight <= 0 {
		c.MissingUAWeight = 0.25
	}
	if c.BlockBase <= 0 {
		c.BlockBase = 30 * time.Second
	}
	if c.BlockCeiling <= 0 {
		c.BlockCeiling = 10 * time.Minute
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = time.Minute
	}
	if c.ScoreTTL <= 0 {
		c.ScoreTTL = 15 * time.Minute
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 8 * c.RateThreshold
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 150 * time.Millisecond
	}
}

// Engine runs the per-IP state machine. Stateless apart from the store.
type Engine struct {
	config Config
	store  Store
	log    zerolog.Logger
}

func NewEngine(store Store, config Config, log zerolog.Logger) *Engine {
	config.setDefaults()
	return &Engine{config: config, store: store, log: log}
}

// Evaluate records the request into the IP's sliding window and applies
// the severity state machine. The caller supplies now so behavior is
// deterministic under test.
func (e *Engine) Evaluate(ctx context.Context, ip, userAgent, route string, now time.Time) Verdict {
	ctx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()

	var verdict Verdict
	opStart := time.Now()
	_, err := e.store.Update(ctx, ip, e.config.ScoreTTL, func(s *Score) {
		verdict = e.apply(s, userAgent, route, now)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.StoreOpDuration.WithLabelValues("score_update", outcome).Observe(time.Since(opStart).Seconds())
	if err != nil {
		e.log.Warn().Err(err).Str("ip", ip).Bool("fail_open", e.config.FailOpen).
			Msg("ddos score store unavailable")
		return Verdict{Allowed: e.config.FailOpen, Reason: "store-unavailable"}
	}

	if !verdict.Allowed {
		e.log.Info().Str("ip", ip).Str("severity", verdict.Severity.String()).
			Str("reason", verdict.Reason).Dur("block", verdict.BlockDuration).
			Msg("request blocked")
	}
	return verdict
}

func (e *Engine) apply(s *Score, userAgent, route string, now time.Time) Verdict {
	// fast path: an unexpired block needs no scoring
	if s.Blocked(now) {
		return Verdict{
			Allowed:       false,
			Reason:        "blocked",
			Severity:      s.Severity,
			BlockDuration: s.BlockedUntil.Sub(now),
		}
	}

	// block expired: step down one tier, never straight to NONE
	if !s.BlockedUntil.IsZero() {
		s.BlockedUntil = time.Time{}
		if s.Severity > SeverityNone {
			s.Severity--
		}
		s.LastDecay = now
	}

	e.observe(s, userAgent, route, now)

	tier, reason := e.scoreSignals(s, now)
	if tier == SeverityNone {
		// clean evaluation: decay after enough quiet time
		if s.Severity > SeverityNone && !s.LastDecay.IsZero() && now.Sub(s.LastDecay) >= e.config.DecayInterval {
			s.Severity--
			s.LastDecay = now
		} else if s.LastDecay.IsZero() {
			s.LastDecay = now
		}
		return Verdict{Allowed: true, Severity: s.Severity}
	}

	if tier > s.Severity {
		s.Severity = tier
	}
	s.ViolationCount++
	dur := e.blockDuration(s.Severity)
	s.BlockedUntil = now.Add(dur)
	s.LastDecay = now

	return Verdict{
		Allowed:       false,
		Reason:        reason,
		Severity:      s.Severity,
		BlockDuration: dur,
	}
}

// observe appends the event and evicts everything that fell out of the
// observation window, keeping the sequence bounded.
func (e *Engine) observe(s *Score, userAgent, route string, now time.Time) {
	cutoff := now.Add(-e.config.ObservationWindow).UnixMilli()

	kept := s.Events[:0]
	for _, ev := range s.Events {
		if ev.At > cutoff {
			kept = append(kept, ev)
		}
	}
	s.Events = kept

	s.Events = append(s.Events, Event{
		At:    now.UnixMilli(),
		Route: route,
		NoUA:  strings.TrimSpace(userAgent) == "",
	})
	if len(s.Events) > e.config.MaxEvents {
		s.Events = s.Events[len(s.Events)-e.config.MaxEvents:]
	}
}

func (e *Engine) scoreSignals(s *Score, now time.Time) (Severity, string) {
	total := len(s.Events)
	if total == 0 {
		return SeverityNone, ""
	}

	noUA := s.Events[len(s.Events)-1].NoUA
	effective := float64(total)
	if noUA {
		effective *= 1 + e.config.MissingUAWeight
	}

	tier := e.rateTier(effective)
	reason := "rate"
	if tier > SeverityNone && noUA && e.rateTier(float64(total)) < tier {
		reason = "rate+user-agent"
	}

	if total >= e.config.PathDiversityMin {
		distinct := make(map[string]struct{}, total)
		for _, ev := range s.Events {
			distinct[ev.Route] = struct{}{}
		}
		ratio := float64(len(distinct)) / float64(total)
		if ratio >= e.config.PathDiversityRatio {
			if tier == SeverityNone {
				tier, reason = SeverityLow, "path-diversity"
			} else if tier < SeverityCritical {
				tier++
			}
		}
	}

	return tier, reason
}

func (e *Engine) rateTier(count float64) Severity {
	threshold := float64(e.config.RateThreshold)
	switch {
	case count > threshold*8:
		return SeverityCritical
	case count > threshold*4:
		return SeverityHigh
	case count > threshold*2:
		return SeverityMedium
	case count > threshold:
		return SeverityLow
	default:
		return SeverityNone
	}
}

func (e *Engine) blockDuration(sev Severity) time.Duration {
	if sev <= SeverityNone {
		return 0
	}
	dur := e.config.BlockBase << (sev - 1)
	if dur > e.config.BlockCeiling {
		dur = e.config.BlockCeiling
	}
	return dur
}

// Inspect returns the tracked score for one IP without mutating it.
// ok is false when the IP is untracked or the store cannot inspect.
func (e *Engine) Inspect(ctx context.Context, ip string) (Score, bool) {
	in, is := e.store.(Inspector)
	if !is {
		return Score{}, false
	}
	score, found, err := in.GetScore(ctx, ip)
	if err != nil || !found {
		return Score{}, false
	}
	return score, true
}

// Stats reports aggregate tracker state when the store supports it.
func (e *Engine) Stats(ctx context.Context, now time.Time) (tracked, blocked int, ok bool) {
	sp, is := e.store.(StatsProvider)
	if !is {
		return 0, 0, false
	}
	tracked, blocked, err := sp.ScoreStats(ctx, now)
	if err != nil {
		return 0, 0, false
	}
	return tracked, blocked, true
}

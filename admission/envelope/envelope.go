// Package envelope builds the unified error response shape returned for
// every rejected or failed request. Whether the cause is validation,
// rate limiting, a behavioral block, or a panic downstream, the client
// always sees the same envelope with a correlation id.
package envelope

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a rejection or failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindRateLimited
	KindDDoSBlocked
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindServiceUnavailable
)

func (k Kind) String() string {
	if e, ok := table[k]; ok {
		return e.Code
	}
	return table[KindInternal].Code
}

// Envelope is the wire shape for every error the client ever sees.
// Details is populated only for validation errors, never with stack
// traces or internal identifiers.
type Envelope struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
	Timestamp  string `json:"timestamp"`
	Details    any    `json:"details,omitempty"`
}

type entry struct {
	Status  int
	Code    string
	Message string
}

var table = map[Kind]entry{
	KindValidation:         {http.StatusBadRequest, "validation_error", "Request contained malformed or disallowed input"},
	KindRateLimited:        {http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests, please retry later"},
	KindDDoSBlocked:        {http.StatusTooManyRequests, "request_blocked", "Request blocked due to anomalous traffic"},
	KindUnauthorized:       {http.StatusUnauthorized, "unauthorized", "Authentication required"},
	KindForbidden:          {http.StatusForbidden, "forbidden", "Access denied"},
	KindNotFound:           {http.StatusNotFound, "not_found", "Resource not found"},
	KindConflict:           {http.StatusConflict, "conflict", "Resource conflict"},
	KindServiceUnavailable: {http.StatusServiceUnavailable, "service_unavailable", "Service is temporarily overloaded, please retry later"},
	KindInternal:           {http.StatusInternalServerError, "internal_error", "An internal error occurred"},
}

// Build constructs an envelope for the given kind. Unknown kinds fall
// back to the internal taxonomy entry, so Build never fails.
func Build(kind Kind, requestID string, details any) Envelope {
	e, ok := table[kind]
	if !ok {
		e = table[KindInternal]
	}
	env := Envelope{
		StatusCode: e.Status,
		ErrorCode:  e.Code,
		Message:    e.Message,
		RequestID:  requestID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if kind == KindValidation {
		env.Details = details
	}
	return env
}

// Write serializes the envelope onto an HTTP response. retryAfter, when
// positive, is surfaced as a Retry-After header rounded up to whole
// seconds so clients never retry early.
func Write(w http.ResponseWriter, env Envelope, retryAfter time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		secs := int((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}

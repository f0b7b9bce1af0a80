package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	Header       = "X-Request-ID"
	requestIDKey = contextKey("requestID")
)

// Middleware attaches a correlation id to each request. An id supplied
// by an upstream proxy is kept so a request can be traced across hops.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(Header)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		// echo on the response so clients can report it
		w.Header().Set(Header, reqID)

		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves the request id, or "" when none was attached.
func FromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// FromRequest retrieves the request id from the request context.
func FromRequest(r *http.Request) string {
	return FromContext(r.Context())
}

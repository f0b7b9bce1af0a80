package admission

import (
	"net/http"
	"runtime/debug"
	"time"

	"gatehouse/admission/envelope"
	"gatehouse/admission/requestid"
)

// statusWriter remembers whether a handler already committed a status,
// so panic recovery does not write a second header.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// Protect wraps next with the full admission pipeline for one route.
// Negative decisions are answered with the structured error envelope
// and never reach next; panics inside next become a 500 envelope.
func (g *Guard) Protect(route Route, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.now()
		reqID := requestid.FromRequest(r)
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			if rec := recover(); rec != nil {
				g.log.Error().
					Str("request_id", reqID).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				if !sw.wrote {
					envelope.Write(sw, envelope.Build(envelope.KindInternal, reqID, nil), 0)
				}
			}
		}()

		dec := g.Check(r.Context(), r, route)
		if !dec.Allowed {
			g.logDecision(r, reqID, dec, g.now().Sub(start))
			envelope.Write(sw, envelope.Build(dec.Kind, reqID, dec.Details), dec.RetryAfter)
			return
		}

		next.ServeHTTP(sw, r)
		g.logDecision(r, reqID, dec, g.now().Sub(start))
	})
}

func (g *Guard) logDecision(r *http.Request, reqID string, dec Decision, elapsed time.Duration) {
	ev := g.log.Info()
	if !dec.Allowed {
		ev = g.log.Warn()
	}
	ev.Str("request_id", reqID).
		Str("method", r.Method).
		Str("route", dec.Fingerprint.Route).
		Str("ip", dec.Fingerprint.IP).
		Bool("allowed", dec.Allowed).
		Str("reason", dec.Reason).
		Int("violations", len(dec.Violations)).
		Dur("elapsed", elapsed).
		Msg("admission")
}

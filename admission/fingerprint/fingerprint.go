// Package fingerprint derives the composite key (IP, optional user id,
// route template) that the rate limiter and the DDoS engine track.
package fingerprint

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Fingerprint identifies a traffic source. Immutable once extracted.
type Fingerprint struct {
	IP     string
	UserID string
	Route  string
}

// Key returns the lookup key the rate limiter buckets on. Different
// routes from the same IP get independent buckets; the DDoS engine
// scores on Fingerprint.IP alone.
func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s|%s|%s", f.IP, f.UserID, f.Route)
}

type Config struct {
	// TrustForwardedFor controls whether X-Forwarded-For / X-Real-IP are
	// believed. Leave off unless a trusted proxy terminates in front of
	// us, otherwise the header is trivially spoofable.
	TrustForwardedFor bool

	// JWTSecret enables user-id extraction from HMAC-signed bearer
	// tokens. Empty disables it; extraction failures never reject a
	// request, they just leave UserID blank.
	JWTSecret string
	JWTHeader string
}

type Extractor struct {
	config Config
}

func NewExtractor(config Config) *Extractor {
	if config.JWTHeader == "" {
		config.JWTHeader = "Authorization"
	}
	return &Extractor{config: config}
}

// Extract derives a fingerprint from the request. Pure and total: it
// never fails, falling back to the peer address and an empty user id.
// routeTemplate, when registered, wins over path normalization.
func (e *Extractor) Extract(r *http.Request, routeTemplate string) Fingerprint {
	route := routeTemplate
	if route == "" {
		route = NormalizeRoute(r.URL.Path)
	}
	return Fingerprint{
		IP:     e.clientIP(r),
		UserID: e.userID(r),
		Route:  route,
	}
}

func (e *Extractor) clientIP(r *http.Request) string {
	if e.config.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// first hop is the original client
			candidate := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(candidate) != nil {
				return candidate
			}
		}
		if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
			if net.ParseIP(rip) != nil {
				return rip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (e *Extractor) userID(r *http.Request) string {
	if e.config.JWTSecret == "" {
		return ""
	}

	authHeader := r.Header.Get(e.config.JWTHeader)
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(e.config.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return ""
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	for _, field := range []string{"sub", "user_id", "username"} {
		if v, ok := claims[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// NormalizeRoute collapses literal identifiers into a template so one
// bucket tracks a logical endpoint rather than every concrete path:
// /products/123 and /products/456 both become /products/:id.
func NormalizeRoute(path string) string {
	if path == "" || path == "/" {
		return "/"
	}

	segments := strings.Split(strings.TrimSuffix(path, "/"), "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) || hexSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

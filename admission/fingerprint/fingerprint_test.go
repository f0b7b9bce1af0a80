package fingerprint

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name  string
		trust bool
		xff   string
		realp string
		want  string
	}{
		{"remote addr only", false, "", "", "10.0.0.1"},
		{"xff ignored when untrusted", false, "203.0.113.7, 198.51.100.1", "", "10.0.0.1"},
		{"xff first hop when trusted", true, "203.0.113.7, 198.51.100.1", "", "203.0.113.7"},
		{"x-real-ip fallback", true, "", "203.0.113.9", "203.0.113.9"},
		{"garbage xff falls through", true, "not-an-ip", "", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExtractor(Config{TrustForwardedFor: tt.trust})
			r := httptest.NewRequest("GET", "/api/products", nil)
			r.RemoteAddr = "10.0.0.1:52801"
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realp != "" {
				r.Header.Set("X-Real-IP", tt.realp)
			}

			fp := e.Extract(r, "")
			if fp.IP != tt.want {
				t.Errorf("IP = %q, want %q", fp.IP, tt.want)
			}
		})
	}
}

func TestUserIDFromJWT(t *testing.T) {
	const secret = "test-secret"

	sign := func(claims jwt.MapClaims, key string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"sub claim", "Bearer " + sign(jwt.MapClaims{"sub": "user-42"}, secret), "user-42"},
		{"user_id claim", "Bearer " + sign(jwt.MapClaims{"user_id": "u7"}, secret), "u7"},
		{"wrong key rejected", "Bearer " + sign(jwt.MapClaims{"sub": "user-42"}, "other"), ""},
		{"not a bearer token", "Basic dXNlcjpwYXNz", ""},
		{"no header", "", ""},
	}

	e := NewExtractor(Config{JWTSecret: secret})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/orders", nil)
			r.RemoteAddr = "10.0.0.1:52801"
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			fp := e.Extract(r, "")
			if fp.UserID != tt.want {
				t.Errorf("UserID = %q, want %q", fp.UserID, tt.want)
			}
		})
	}
}

func TestUserIDDisabledWithoutSecret(t *testing.T) {
	e := NewExtractor(Config{})
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer whatever")
	if fp := e.Extract(r, ""); fp.UserID != "" {
		t.Errorf("UserID = %q, want empty", fp.UserID)
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", "/"},
		{"", "/"},
		{"/api/products", "/api/products"},
		{"/api/products/12345", "/api/products/:id"},
		{"/api/products/12345/reviews/9", "/api/products/:id/reviews/:id"},
		{"/api/orders/0b6c9f6e-1d7b-4a5e-9c2f-8e7d6a5b4c3d", "/api/orders/:id"},
		{"/sessions/a1b2c3d4e5f60718", "/sessions/:id"},
		{"/api/products/", "/api/products"},
		{"/docs/v2", "/docs/v2"},
	}
	for _, tt := range tests {
		if got := NormalizeRoute(tt.in); got != tt.want {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyComposition(t *testing.T) {
	fp := Fingerprint{IP: "203.0.113.7", UserID: "user-42", Route: "/api/orders/:id"}
	if got := fp.Key(); got != "203.0.113.7|user-42|/api/orders/:id" {
		t.Errorf("Key() = %q", got)
	}

	anon := Fingerprint{IP: "203.0.113.7", Route: "/api/orders/:id"}
	if fp.Key() == anon.Key() {
		t.Error("authenticated and anonymous keys must differ")
	}
}

func TestRegisteredTemplateWins(t *testing.T) {
	e := NewExtractor(Config{})
	r := httptest.NewRequest("GET", "/api/products/999", nil)
	r.RemoteAddr = "10.0.0.1:52801"
	fp := e.Extract(r, "/api/products/{id}")
	if fp.Route != "/api/products/{id}" {
		t.Errorf("Route = %q, want registered template", fp.Route)
	}
}

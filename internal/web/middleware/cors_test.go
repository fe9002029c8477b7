package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsLocalhostOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://localhost", true},
		{"https://localhost:8443", true},
		{"https://localhost", true},
		{"http://example.com", false},
		{"https://app.school.edu", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := isLocalhostOrigin(tc.origin); got != tc.want {
			t.Errorf("isLocalhostOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := map[string]struct{}{
		"https://app.school.edu": {},
	}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", false},
		{"http://localhost:5173", true},
		{"https://app.school.edu", true},
		{"https://evil.test", false},
	}

	for _, tc := range tests {
		if got := isOriginAllowed(tc.origin, allowed); got != tc.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func corsTestHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_EchoesAllowedOrigin(t *testing.T) {
	var called bool
	handler := CORS([]string{"https://app.school.edu"})(corsTestHandler(&called))

	req := httptest.NewRequest("GET", "/api/v1/students", nil)
	req.Header.Set("Origin", "https://app.school.edu")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("next handler was not called")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.school.edu" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the request origin", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want 'true'", got)
	}
}

func TestCORS_SkipsDisallowedOrigin(t *testing.T) {
	var called bool
	handler := CORS(nil)(corsTestHandler(&called))

	req := httptest.NewRequest("GET", "/api/v1/students", nil)
	req.Header.Set("Origin", "https://evil.test")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("next handler was not called")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("Access-Control-Allow-Methods should be set regardless of origin")
	}
}

func TestCORS_LocalhostAlwaysAllowed(t *testing.T) {
	var called bool
	handler := CORS(nil)(corsTestHandler(&called))

	req := httptest.NewRequest("GET", "/api/v1/students", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the localhost origin", got)
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	var called bool
	handler := CORS([]string{"https://app.school.edu"})(corsTestHandler(&called))

	req := httptest.NewRequest("OPTIONS", "/api/v1/students", nil)
	req.Header.Set("Origin", "https://app.school.edu")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if called {
		t.Error("preflight should not reach the next handler")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("Access-Control-Allow-Methods missing from preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	var called bool
	handler := SecurityHeaders()(corsTestHandler(&called))

	req := httptest.NewRequest("GET", "/api/v1/students", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("next handler was not called")
	}

	headers := map[string]string{
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
	}
	for name, want := range headers {
		if got := w.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	common := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "0",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Permissions-Policy":      "camera=(), microphone=(), geolocation=()",
		"Cache-Control":           "no-store",
	}

	tests := []struct {
		name       string
		handler    echo.HandlerFunc
		proto      string
		wantStatus int
		wantHSTS   string
	}{
		{
			name:       "plain http",
			handler:    func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "behind https proxy",
			handler:    func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
			proto:      "https",
			wantStatus: http.StatusNoContent,
			wantHSTS:   "max-age=31536000; includeSubdomains",
		},
		{
			name:       "handler error",
			handler:    func(c echo.Context) error { return echo.NewHTTPError(http.StatusConflict, "busy") },
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(SecurityHeaders())
			e.GET("/", tt.handler)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.proto != "" {
				req.Header.Set(echo.HeaderXForwardedProto, tt.proto)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			for k, want := range common {
				if got := rec.Header().Get(k); got != want {
					t.Errorf("%s = %q, want %q", k, got, want)
				}
			}
			if got := rec.Header().Get("Strict-Transport-Security"); got != tt.wantHSTS {
				t.Errorf("Strict-Transport-Security = %q, want %q", got, tt.wantHSTS)
			}
		})
	}
}

func TestSecurityHeaders_ReturnsHandlerError(t *testing.T) {
	want := errors.New("boom")
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := SecurityHeaders()(func(echo.Context) error { return want })(c)
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func limitedEcho(cfg RateLimitConfig) *echo.Echo {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if clinic := c.Request().Header.Get("X-Test-Clinic"); clinic != "" {
				c.Set("jwt_clinic_id", clinic)
			}
			return next(c)
		}
	})
	e.Use(RateLimit(cfg))
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

func hit(e *echo.Echo, ip, clinic string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":4000"
	if clinic != "" {
		req.Header.Set("X-Test-Clinic", clinic)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenDeny(t *testing.T) {
	e := limitedEcho(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})

	for i := 0; i < 2; i++ {
		rec := hit(e, "10.0.0.1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "0.5" {
			t.Errorf("X-RateLimit-Limit = %q, want 0.5", got)
		}
	}

	rec := hit(e, "10.0.0.1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}

func TestRateLimit_ClinicsShareIPButNotBuckets(t *testing.T) {
	e := limitedEcho(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if rec := hit(e, "10.0.0.9", "north"); rec.Code != http.StatusOK {
		t.Fatalf("north first: status = %d", rec.Code)
	}
	if rec := hit(e, "10.0.0.9", "north"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("north second: status = %d, want 429", rec.Code)
	}
	if rec := hit(e, "10.0.0.9", "south"); rec.Code != http.StatusOK {
		t.Errorf("south: status = %d, want 200", rec.Code)
	}
	if rec := hit(e, "10.0.0.10", "north"); rec.Code != http.StatusOK {
		t.Errorf("north from other IP: status = %d, want 200", rec.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		rps  float64
		want int
	}{
		{20, 1},
		{1, 1},
		{0.25, 4},
		{0, 60},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.rps); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.rps, got, tt.want)
		}
	}
}

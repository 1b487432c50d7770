package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// ExpiresIn drops idle visitors from the store. Zero keeps echo's default.
	ExpiresIn time.Duration
}

// rateLimitKey partitions visitors by clinic and client IP. Clinics behind
// one NAT share an IP.
func rateLimitKey(c echo.Context) (string, error) {
	key := c.RealIP()
	if clinicID, ok := c.Get("jwt_clinic_id").(string); ok && clinicID != "" {
		key = clinicID + ":" + key
	}
	return key, nil
}

// retryAfterSeconds is the wait for one token at rps, at least one second.
func retryAfterSeconds(rps float64) int {
	if rps <= 0 {
		return 60
	}
	return int(math.Max(1, math.Ceil(1/rps)))
}

// RateLimit returns a per-clinic, per-IP token bucket limiter backed by
// echo's in-memory store.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.ExpiresIn,
	})
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	retry := strconv.Itoa(retryAfterSeconds(cfg.RequestsPerSecond))

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: rateLimitKey,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Response().Header().Set("Retry-After", retry)
			c.Response().Header().Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

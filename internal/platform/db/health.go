package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolStats is the pool section of the health report.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

// ClinicStatus reports whether a clinic's schema has been created.
type ClinicStatus struct {
	ID     string `json:"id"`
	Schema string `json:"schema"`
	Ready  bool   `json:"ready"`
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Pool   PoolStats     `json:"pool"`
	Clinic *ClinicStatus `json:"clinic,omitempty"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// schemaReady reports whether schema exists and carries the migrations
// table. It never creates anything.
func schemaReady(ctx context.Context, pool *pgxpool.Pool, schema string) (bool, error) {
	var ready bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = lower($1) AND table_name = '_migrations')`, schema).Scan(&ready)
	return ready, err
}

// HealthHandler pings the database and checks the schema of defaultClinic.
// An unmigrated default clinic is reported as "degraded" with status 200,
// since other clinics may still be served.
func HealthHandler(pool *pgxpool.Pool, defaultClinic string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		report := HealthReport{Status: "healthy", Pool: poolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}

		if ValidClinicID(defaultClinic) {
			cs := &ClinicStatus{ID: defaultClinic, Schema: SchemaFor(defaultClinic)}
			ready, err := schemaReady(ctx, pool, cs.Schema)
			if err != nil {
				report.Status = "unhealthy"
				report.Error = err.Error()
				return c.JSON(http.StatusServiceUnavailable, report)
			}
			cs.Ready = ready
			report.Clinic = cs
			if !ready {
				report.Status = "degraded"
			}
		}
		return c.JSON(http.StatusOK, report)
	}
}

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/migrations"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres: %v\n", err)
		os.Exit(1)
	}
	if tdb == nil {
		fmt.Fprintln(os.Stderr, "skipping integration tests: set INTEGRATION_DATABASE_URL or install docker")
		os.Exit(0)
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupPostgres connects to INTEGRATION_DATABASE_URL when set, otherwise it
// starts a disposable postgres container. It returns a nil testDB when
// neither is available.
func setupPostgres(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("INTEGRATION_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			return nil, nil, nil
		}
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres container: %w", err)
		}
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 10, ApplicationName: "intake-integration"})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &testDB{Pool: pool, ConnStr: connStr}, func() {
		pool.Close()
		cleanup()
	}, nil
}

// createClinic creates a clinic schema with all migrations applied and drops
// it when the test ends.
func createClinic(t *testing.T, ctx context.Context, clinicID string) {
	t.Helper()
	migrator := db.NewMigrator(globalDB.Pool, migrations.FS)
	if err := db.CreateClinicSchema(ctx, globalDB.Pool, clinicID, migrator); err != nil {
		t.Fatalf("create clinic schema %s: %v", clinicID, err)
	}
	t.Cleanup(func() { dropClinicSchema(t, context.Background(), clinicID) })
}

// dropClinicSchema drops a clinic schema for cleanup.
func dropClinicSchema(t *testing.T, ctx context.Context, clinicID string) {
	t.Helper()
	schema := db.SchemaFor(clinicID)
	_, err := globalDB.Pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	if err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

// withClinicConn acquires a connection pinned to the clinic schema and passes
// a context carrying it to fn.
func withClinicConn(ctx context.Context, clinicID string, fn func(ctx context.Context) error) error {
	conn, err := db.AcquireClinic(ctx, globalDB.Pool, clinicID)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(db.WithClinicConn(ctx, clinicID, conn))
}

// uniqueClinicID generates a unique clinic ID for test isolation.
func uniqueClinicID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

func ptrFloat(f float64) *float64 { return &f }

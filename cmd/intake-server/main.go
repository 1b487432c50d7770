package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/terminal"
	"github.com/ehr/intake/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Outpatient intake form service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(clinicCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(fillCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadStorageConfig loads config for commands that need the database.
func loadStorageConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.HasRecordStorage() {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := loadStorageConfig()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}
			if !db.ValidClinicID(clinic) {
				return fmt.Errorf("invalid clinic identifier: %s", clinic)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg, "intake-cli"))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("clinic", "", "Clinic whose schema is migrated (default DEFAULT_CLINIC)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinic, _ := cmd.Flags().GetString("clinic")

			cfg, err := loadStorageConfig()
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}
			if !db.ValidClinicID(clinic) {
				return fmt.Errorf("invalid clinic identifier: %s", clinic)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg, "intake-cli"))
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaFor(clinic)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("clinic", "", "Clinic whose schema is inspected (default DEFAULT_CLINIC)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func clinicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinic",
		Short: "Manage clinics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a clinic schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := loadStorageConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg, "intake-cli"))
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating clinic schema: %s\n", db.SchemaFor(name))
			if err := db.CreateClinicSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Clinic created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Clinic identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// exportFilter builds a record filter from the export flags. "to" is
// inclusive and both are days in loc.
func exportFilter(from, to, patient string, loc *time.Location) (intake.RecordFilter, error) {
	f := intake.RecordFilter{PatientName: patient}
	if from != "" {
		t, ok := intake.ParseDateIn(from, loc)
		if !ok {
			return f, fmt.Errorf("invalid --from date %q, want YYYY-MM-DD", from)
		}
		f.From = &t
	}
	if to != "" {
		t, ok := intake.ParseDateIn(to, loc)
		if !ok {
			return f, fmt.Errorf("invalid --to date %q, want YYYY-MM-DD", to)
		}
		t = t.AddDate(0, 0, 1)
		f.To = &t
	}
	return f, nil
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write submitted records to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			clinic, _ := cmd.Flags().GetString("clinic")
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			patient, _ := cmd.Flags().GetString("patient")

			cfg, err := loadStorageConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			filter, err := exportFilter(from, to, patient, loc)
			if err != nil {
				return err
			}
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg, "intake-cli"))
			if err != nil {
				return err
			}
			defer pool.Close()

			conn, err := db.AcquireClinic(ctx, pool, clinic)
			if err != nil {
				return err
			}
			defer conn.Release()
			ctx = db.WithClinicConn(ctx, clinic, conn)

			records, total, err := intake.NewRecordRepoPG(pool).List(ctx, filter, intake.MaxExportRows, 0)
			if err != nil {
				return fmt.Errorf("list records: %w", err)
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			if err := intake.WriteWorkbook(f, records, intake.DefaultCatalog()); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d of %d record(s) to %s\n", len(records), total, out)
			return nil
		},
	}
	cmd.Flags().String("out", "intake-records.xlsx", "Output workbook path")
	cmd.Flags().String("clinic", "", "Clinic to export (default DEFAULT_CLINIC)")
	cmd.Flags().String("from", "", "First submission date, YYYY-MM-DD")
	cmd.Flags().String("to", "", "Last submission date, YYYY-MM-DD")
	cmd.Flags().String("patient", "", "Patient name substring")
	return cmd
}

func fillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fill",
		Short: "Fill one intake form in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env).Level(zerolog.WarnLevel)
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			now := func() time.Time { return time.Now().In(loc) }

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, err := openRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			sinkCtx := ctx
			if deps.pool != nil {
				conn, err := db.AcquireClinic(ctx, deps.pool, cfg.DefaultClinic)
				if err != nil {
					return err
				}
				defer conn.Release()
				sinkCtx = db.WithClinicConn(ctx, cfg.DefaultClinic, conn)
			}

			reducer := intake.NewReducer(intake.DefaultCatalog(), now)
			form := intake.NewForm(reducer, deps.sink, intake.WithAckDelay(cfg.AckDelay), intake.WithClock(now))
			defer form.Close()

			rec, err := terminal.NewFiller(terminal.NewSurveyDriver(), form, reducer.Catalog()).Run(sinkCtx)
			if rec != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Record %s submitted.\n", rec.ID)
				if errors.Is(err, context.Canceled) {
					return nil
				}
			}
			return err
		},
	}
}

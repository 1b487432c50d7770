package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordRepoPG struct{ pool *pgxpool.Pool }

// NewRecordRepoPG returns a PostgreSQL-backed RecordRepository.
func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordCols = `id, session_id, submitted_at, today_date, patient_name, gender,
	dob, age, past_history, other_chronic, current_pain_site, onset_time,
	duration, pain_type, acute_chronic, treatment_site, temp_before, temp_after`

func (r *recordRepoPG) scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec    Record
		today  *time.Time
		acute  *string
		gender *string
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.SubmittedAt, &today, &rec.PatientName, &gender,
		&rec.DOB, &rec.Age, &rec.PastHistory, &rec.OtherChronic, &rec.CurrentPainSite, &rec.OnsetTime,
		&rec.Duration, &rec.PainType, &acute, &rec.TreatmentSite, &rec.TempBefore, &rec.TempAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.TodayDate = formatDate(today)
	if gender != nil {
		rec.Gender = *gender
	}
	if acute != nil {
		rec.AcuteChronic = *acute
	}
	return &rec, nil
}

// Create stores rec. A record retried after a failed hand-off keeps its id,
// so an existing row is overwritten rather than duplicated.
func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO intake_record (id, session_id, submitted_at, today_date, patient_name, gender,
			dob, age, past_history, other_chronic, current_pain_site, onset_time,
			duration, pain_type, acute_chronic, treatment_site, temp_before, temp_after)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			submitted_at = EXCLUDED.submitted_at, today_date = EXCLUDED.today_date,
			patient_name = EXCLUDED.patient_name, gender = EXCLUDED.gender,
			dob = EXCLUDED.dob, age = EXCLUDED.age, past_history = EXCLUDED.past_history,
			other_chronic = EXCLUDED.other_chronic, current_pain_site = EXCLUDED.current_pain_site,
			onset_time = EXCLUDED.onset_time, duration = EXCLUDED.duration,
			pain_type = EXCLUDED.pain_type, acute_chronic = EXCLUDED.acute_chronic,
			treatment_site = EXCLUDED.treatment_site, temp_before = EXCLUDED.temp_before,
			temp_after = EXCLUDED.temp_after`,
		rec.ID, rec.SessionID, rec.SubmittedAt, parseDatePtr(rec.TodayDate), rec.PatientName, nullable(rec.Gender),
		rec.DOB, rec.Age, nonNil(rec.PastHistory), rec.OtherChronic, nonNil(rec.CurrentPainSite), rec.OnsetTime,
		rec.Duration, rec.PainType, nullable(rec.AcuteChronic), nonNil(rec.TreatmentSite), rec.TempBefore, rec.TempAfter)
	if err != nil {
		return fmt.Errorf("insert intake record: %w", err)
	}
	return nil
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM intake_record WHERE id = $1`, id))
}

func (r *recordRepoPG) List(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	where, args := f.where()

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM intake_record`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM intake_record%s ORDER BY submitted_at DESC LIMIT $%d OFFSET $%d`,
		recordCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

// likeEscaper makes a search term match literally inside an ILIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// where renders the filter as a SQL WHERE clause with positional arguments.
func (f RecordFilter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.SessionID != nil {
		add("session_id = $%d", *f.SessionID)
	}
	if f.PatientName != "" {
		add(`patient_name ILIKE $%d ESCAPE '\'`, "%"+likeEscaper.Replace(f.PatientName)+"%")
	}
	if f.From != nil {
		add("submitted_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("submitted_at < $%d", *f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func parseDatePtr(s string) *time.Time {
	t, ok := ParseDate(s)
	if !ok {
		return nil
	}
	return &t
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

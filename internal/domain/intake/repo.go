package intake

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRecordNotFound is returned when no record matches the lookup.
var ErrRecordNotFound = errors.New("intake record not found")

// RecordFilter narrows record listings. Zero values match everything.
type RecordFilter struct {
	SessionID   *uuid.UUID
	PatientName string
	From        *time.Time
	To          *time.Time
}

// RecordRepository defines storage operations for submitted records.
type RecordRepository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	List(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error)
}

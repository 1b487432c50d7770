package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Sink receives finalized intake records.
type Sink interface {
	Accept(ctx context.Context, rec *Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *Record) error

func (f SinkFunc) Accept(ctx context.Context, rec *Record) error { return f(ctx, rec) }

// NamedSink labels a sink for error reporting.
type NamedSink struct {
	Name string
	Sink Sink
}

// FanOut hands a record to every sink in order. All sinks are attempted; the
// returned error joins the failures.
func FanOut(sinks ...NamedSink) Sink {
	return SinkFunc(func(ctx context.Context, rec *Record) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Sink.Accept(ctx, rec); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			}
		}
		return errors.Join(errs...)
	})
}

// LogSink writes each record to the logger.
func LogSink(logger zerolog.Logger) Sink {
	return SinkFunc(func(_ context.Context, rec *Record) error {
		logger.Info().
			Str("record_id", rec.ID.String()).
			Str("session_id", rec.SessionID.String()).
			Interface("record", rec).
			Msg("intake record submitted")
		return nil
	})
}

// RepositorySink persists records through repo.
func RepositorySink(repo RecordRepository) Sink {
	return SinkFunc(func(ctx context.Context, rec *Record) error {
		return repo.Create(ctx, rec)
	})
}

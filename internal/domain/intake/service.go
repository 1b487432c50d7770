package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/session"
)

// DefaultSessionTTL bounds how long an idle form is kept.
const DefaultSessionTTL = 2 * time.Hour

var (
	ErrSessionNotFound    = errors.New("intake session not found")
	ErrRecordsUnavailable = errors.New("record storage is not configured")
)

// SessionStore persists serialized sessions with a time-to-live.
type SessionStore interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Set(ctx context.Context, id string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// ServiceOptions tunes a Service. Zero values select defaults.
type ServiceOptions struct {
	SessionTTL time.Duration
	AckDelay   time.Duration
	Now        func() time.Time
	Listener   PhaseListener
}

type liveSession struct {
	mu   sync.Mutex
	ctrl *Controller
}

// Service provides the intake form lifecycle over many concurrent sessions.
// Events on one session are applied one at a time.
type Service struct {
	reducer  *Reducer
	store    SessionStore
	sink     Sink
	records  RecordRepository
	logger   zerolog.Logger
	ttl      time.Duration
	ackDelay time.Duration
	now      func() time.Time
	listener PhaseListener
	ctrlOpts []ControllerOption

	mu   sync.Mutex
	live map[uuid.UUID]*liveSession
}

// NewService creates an intake service. records may be nil when submitted
// records are not browsable from this process.
func NewService(reducer *Reducer, store SessionStore, sink Sink, records RecordRepository, logger zerolog.Logger, opts ServiceOptions) *Service {
	s := &Service{
		reducer:  reducer,
		store:    store,
		sink:     sink,
		records:  records,
		logger:   logger,
		ttl:      opts.SessionTTL,
		ackDelay: opts.AckDelay,
		now:      opts.Now,
		listener: opts.Listener,
		live:     make(map[uuid.UUID]*liveSession),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultSessionTTL
	}
	if s.ackDelay <= 0 {
		s.ackDelay = DefaultAckDelay
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Location is the time zone calendar dates are interpreted in.
func (s *Service) Location() *time.Location { return s.now().Location() }

// Catalog returns the option vocabulary used to validate events.
func (s *Service) Catalog() *Catalog { return s.reducer.Catalog() }

func (s *Service) acquire(id uuid.UUID) *liveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.live[id]
	if !ok {
		opts := []ControllerOption{
			WithAckDelay(s.ackDelay),
			WithClock(s.now),
			WithRevertHook(func() {
				s.logger.Debug().Str("session_id", id.String()).Msg("intake form back to editing")
				s.notify(id, PhaseEditing)
			}),
		}
		ls = &liveSession{ctrl: NewController(id, s.sink, append(opts, s.ctrlOpts...)...)}
		s.live[id] = ls
	}
	return ls
}

func (s *Service) notify(id uuid.UUID, phase Phase) {
	if s.listener != nil {
		s.listener.PhaseChanged(id, phase)
	}
}

func (s *Service) drop(id uuid.UUID) {
	s.mu.Lock()
	ls, ok := s.live[id]
	delete(s.live, id)
	s.mu.Unlock()
	if ok {
		ls.ctrl.Close()
	}
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Session, error) {
	data, err := s.store.Get(ctx, id.String())
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// loadLive loads a session for the clinic in ctx. A session owned by another
// clinic reads as not found but keeps its controller; a missing one releases
// it.
func (s *Service) loadLive(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := s.load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		s.drop(id)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if clinic := db.ClinicFromContext(ctx); sess.Clinic != clinic {
		s.logger.Warn().
			Str("session_id", id.String()).
			Str("clinic_id", clinic).
			Msg("intake session requested by another clinic")
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) save(ctx context.Context, sess *Session) error {
	sess.ExpiresAt = s.now().Add(s.ttl).UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.store.Set(ctx, sess.ID.String(), data, s.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func decorate(sess *Session, ctrl *Controller) *Session {
	sess.Phase = ctrl.Phase()
	sess.CanSubmit = ctrl.CanSubmit()
	return sess
}

// Open starts a new form with today's date filled in. The session belongs to
// the clinic in ctx and is invisible to other clinics.
func (s *Service) Open(ctx context.Context) (*Session, error) {
	sess := &Session{
		ID:        uuid.New(),
		Clinic:    db.ClinicFromContext(ctx),
		State:     s.reducer.Initial(),
		CreatedAt: s.now().UTC(),
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	ls := s.acquire(sess.ID)
	s.logger.Info().Str("session_id", sess.ID.String()).Str("clinic_id", sess.Clinic).Msg("intake session opened")
	return decorate(sess, ls.ctrl), nil
}

// Get returns the current form of a session.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	ls := s.acquire(id)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	sess, err := s.loadLive(ctx, id)
	if err != nil {
		return nil, err
	}
	return decorate(sess, ls.ctrl), nil
}

// Apply runs one input event against the session's form.
func (s *Service) Apply(ctx context.Context, id uuid.UUID, ev Event) (*Session, error) {
	ls := s.acquire(id)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	sess, err := s.loadLive(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := s.reducer.Reduce(sess.State, ev)
	if err != nil {
		return nil, err
	}
	sess.State = next
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return decorate(sess, ls.ctrl), nil
}

// Submit hands the session's form to the sink. Required fields must be
// filled; the form keeps its values afterwards.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*Session, *Record, error) {
	ls := s.acquire(id)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	sess, err := s.loadLive(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckRequired(sess.State); err != nil {
		return decorate(sess, ls.ctrl), nil, err
	}
	rec, err := ls.ctrl.Submit(ctx, sess.State)
	if err != nil {
		if errors.Is(err, ErrSinkFailed) {
			s.logger.Error().Err(err).Str("session_id", id.String()).Msg("intake record hand-off failed")
		}
		return decorate(sess, ls.ctrl), nil, err
	}
	s.notify(id, PhaseAcknowledging)
	sess.LastRecordID = &rec.ID
	if err := s.save(ctx, sess); err != nil {
		return nil, rec, err
	}
	s.logger.Info().
		Str("session_id", id.String()).
		Str("record_id", rec.ID.String()).
		Msg("intake form submitted")
	return decorate(sess, ls.ctrl), rec, nil
}

// Close ends a session. A pending acknowledgement is discarded. Closing a
// missing session is not an error; closing another clinic's is.
func (s *Service) Close(ctx context.Context, id uuid.UUID) error {
	sess, err := s.load(ctx, id)
	if err == nil && sess.Clinic != db.ClinicFromContext(ctx) {
		return ErrSessionNotFound
	}
	s.drop(id)
	if err := s.store.Delete(ctx, id.String()); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info().Str("session_id", id.String()).Msg("intake session closed")
	return nil
}

// Sweep releases controllers whose sessions have expired from the store.
func (s *Service) Sweep(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	dropped := 0
	for _, id := range ids {
		if _, err := s.store.Get(ctx, id.String()); errors.Is(err, session.ErrNotFound) {
			s.drop(id)
			dropped++
		}
	}
	return dropped
}

// Shutdown closes every live controller.
func (s *Service) Shutdown() {
	s.mu.Lock()
	live := s.live
	s.live = make(map[uuid.UUID]*liveSession)
	s.mu.Unlock()
	for _, ls := range live {
		ls.ctrl.Close()
	}
}

// GetRecord returns a submitted record.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	if s.records == nil {
		return nil, ErrRecordsUnavailable
	}
	return s.records.GetByID(ctx, id)
}

// ListRecords returns submitted records, newest first.
func (s *Service) ListRecords(ctx context.Context, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	if s.records == nil {
		return nil, 0, ErrRecordsUnavailable
	}
	return s.records.List(ctx, f, limit, offset)
}

package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the submission state of a form.
type Phase string

const (
	PhaseEditing       Phase = "editing"
	PhaseAcknowledging Phase = "acknowledging"
)

// DefaultAckDelay is how long a form shows its acknowledgement before it
// returns to editing.
const DefaultAckDelay = 3000 * time.Millisecond

var (
	ErrAcknowledging = errors.New("submission is being acknowledged")
	ErrSinkFailed    = errors.New("intake record sink failed")
	ErrClosed        = errors.New("intake form is closed")
)

type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Controller moves one form between editing and acknowledging. It performs no
// field validation; callers check required fields before submitting.
type Controller struct {
	formID   uuid.UUID
	sink     Sink
	delay    time.Duration
	now      func() time.Time
	after    afterFunc
	onRevert func()

	mu       sync.Mutex
	phase    Phase
	inFlight bool
	closed   bool
	timer    stopper
	gen      uint64
	// idle is closed whenever the form is not acknowledging.
	idle chan struct{}
	// retryID is the id of a record whose hand-off failed. The next submit
	// reuses it so sinks that already took the record see the same id.
	retryID uuid.UUID
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithAckDelay overrides DefaultAckDelay.
func WithAckDelay(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithClock sets the clock used to stamp records.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRevertHook registers fn to run after each return to editing.
func WithRevertHook(fn func()) ControllerOption {
	return func(c *Controller) { c.onRevert = fn }
}

func withAfterFunc(fn afterFunc) ControllerOption {
	return func(c *Controller) { c.after = fn }
}

// NewController creates a controller for the form formID that hands records
// to sink.
func NewController(formID uuid.UUID, sink Sink, opts ...ControllerOption) *Controller {
	c := &Controller{
		formID: formID,
		sink:   sink,
		delay:  DefaultAckDelay,
		now:    time.Now,
		after:  realAfterFunc,
		phase:  PhaseEditing,
		idle:   make(chan struct{}),
	}
	close(c.idle)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase reports the visible phase. A hand-off in progress already counts as
// acknowledging so the submit control stays disabled.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return PhaseAcknowledging
	}
	return c.phase
}

// CanSubmit reports whether the submit control is enabled.
func (c *Controller) CanSubmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.inFlight && c.phase == PhaseEditing
}

// Editing returns a channel that is closed once the form is back in editing
// or the controller is closed.
func (c *Controller) Editing() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// Submit freezes s, hands the record to the sink, and enters the
// acknowledging phase. While acknowledging, Submit does nothing and returns
// ErrAcknowledging. When the sink fails the form stays in editing and the
// error wraps ErrSinkFailed; the next submit reuses the failed record's id.
// The state itself is never cleared.
func (c *Controller) Submit(ctx context.Context, s State) (*Record, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.inFlight || c.phase == PhaseAcknowledging:
		c.mu.Unlock()
		return nil, ErrAcknowledging
	}
	c.inFlight = true
	retryID := c.retryID
	c.mu.Unlock()

	rec := NewRecord(c.formID, s, c.now())
	if retryID != uuid.Nil {
		rec.ID = retryID
	}
	err := c.sink.Accept(ctx, rec)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if err != nil {
		c.retryID = rec.ID
		return nil, fmt.Errorf("%w: %w", ErrSinkFailed, err)
	}
	c.retryID = uuid.Nil
	if c.closed {
		return rec, nil
	}
	c.phase = PhaseAcknowledging
	c.idle = make(chan struct{})
	c.gen++
	gen := c.gen
	c.timer = c.after(c.delay, func() { c.revert(gen) })
	return rec, nil
}

func (c *Controller) revert(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.phase != PhaseAcknowledging {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseEditing
	c.timer = nil
	close(c.idle)
	hook := c.onRevert
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Close tears the controller down. A pending return to editing is cancelled
// and, if its timer already fired, discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.phase == PhaseAcknowledging {
		close(c.idle)
	}
}

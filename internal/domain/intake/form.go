package intake

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Form is a single intake form: its current state, the reducer that
// advances it and the controller that submits it.
type Form struct {
	ID uuid.UUID

	reducer *Reducer
	ctrl    *Controller

	mu    sync.Mutex
	state State
}

// NewForm creates a form with a fresh state.
func NewForm(reducer *Reducer, sink Sink, opts ...ControllerOption) *Form {
	id := uuid.New()
	return &Form{
		ID:      id,
		reducer: reducer,
		ctrl:    NewController(id, sink, opts...),
		state:   reducer.Initial(),
	}
}

// State returns the current snapshot.
func (f *Form) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Phase returns the submission phase.
func (f *Form) Phase() Phase { return f.ctrl.Phase() }

// CanSubmit reports whether the submit control is enabled.
func (f *Form) CanSubmit() bool { return f.ctrl.CanSubmit() }

// Dispatch applies one input event.
func (f *Form) Dispatch(ev Event) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := f.reducer.Reduce(f.state, ev)
	if err != nil {
		return f.state, err
	}
	f.state = next
	return next, nil
}

// Submit checks required fields and hands the current state to the
// controller. Fields keep their values afterwards.
func (f *Form) Submit(ctx context.Context) (*Record, error) {
	s := f.State()
	if err := CheckRequired(s); err != nil {
		return nil, err
	}
	return f.ctrl.Submit(ctx, s)
}

// WaitEditing blocks until an acknowledgement has run its course. It
// returns ErrClosed when the form is closed first.
func (f *Form) WaitEditing(ctx context.Context) error {
	select {
	case <-f.ctrl.Editing():
		if f.ctrl.Phase() != PhaseEditing {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close discards any pending acknowledgement timer.
func (f *Form) Close() { f.ctrl.Close() }

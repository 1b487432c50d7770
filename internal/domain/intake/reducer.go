package intake

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EventType distinguishes direct field assignment from checkbox toggles.
type EventType string

const (
	EventChange EventType = "change"
	EventToggle EventType = "toggle"
)

// Event is one user input on the form. Checked is only meaningful for
// toggle events.
type Event struct {
	Type    EventType `json:"type"`
	Field   Field     `json:"field"`
	Value   string    `json:"value"`
	Checked bool      `json:"checked,omitempty"`
}

// Change builds a field-assignment event.
func Change(f Field, value string) Event {
	return Event{Type: EventChange, Field: f, Value: value}
}

// Check builds a checkbox event.
func Check(f Field, value string, checked bool) Event {
	return Event{Type: EventToggle, Field: f, Value: value, Checked: checked}
}

var (
	ErrUnknownEvent  = errors.New("unknown event type")
	ErrUnknownField  = errors.New("unknown field")
	ErrUnknownOption = errors.New("value is not an option of this field")
	ErrReadOnlyField = errors.New("field is read-only")
	ErrInvalidValue  = errors.New("invalid field value")
)

// Toggle returns set with value added (checked) or removed (unchecked).
// Adding a present value or removing an absent one returns an equal set.
// The input slice is never modified.
func Toggle(set []string, value string, checked bool) []string {
	out := make([]string, 0, len(set)+1)
	present := false
	for _, v := range set {
		if v == value {
			present = true
			if !checked {
				continue
			}
		}
		out = append(out, v)
	}
	if checked && !present {
		out = append(out, value)
	}
	return out
}

// Reducer applies events to form states. It is safe for concurrent use; it
// holds no state besides the catalog and the clock used for derived fields.
type Reducer struct {
	catalog *Catalog
	now     func() time.Time
}

// NewReducer creates a reducer. A nil catalog selects the embedded one and a
// nil clock selects time.Now.
func NewReducer(catalog *Catalog, now func() time.Time) *Reducer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if now == nil {
		now = time.Now
	}
	return &Reducer{catalog: catalog, now: now}
}

// Catalog returns the vocabulary the reducer validates options against.
func (r *Reducer) Catalog() *Catalog { return r.catalog }

// Initial returns a fresh form stamped with today's date.
func (r *Reducer) Initial() State {
	return NewState(r.now())
}

// Reduce returns the state produced by applying ev to s. On error the
// returned state is s unchanged.
func (r *Reducer) Reduce(s State, ev Event) (State, error) {
	switch ev.Type {
	case EventChange:
		return r.change(s, ev.Field, ev.Value)
	case EventToggle:
		return r.toggle(s, ev.Field, ev.Value, ev.Checked)
	}
	return s, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
}

func (r *Reducer) toggle(s State, f Field, value string, checked bool) (State, error) {
	if !IsSetField(f) {
		return s, fmt.Errorf("%w: %q is not a multi-select field", ErrUnknownField, f)
	}
	code, ok := r.catalog.Resolve(f, value)
	if !ok {
		return s, fmt.Errorf("%w: %q for %s", ErrUnknownOption, value, f)
	}
	next := s
	switch f {
	case FieldPastHistory:
		next.PastHistory = Toggle(s.PastHistory, code, checked)
	case FieldCurrentPainSite:
		next.CurrentPainSite = Toggle(s.CurrentPainSite, code, checked)
	case FieldTreatmentSite:
		next.TreatmentSite = Toggle(s.TreatmentSite, code, checked)
	}
	return next, nil
}

func (r *Reducer) change(s State, f Field, value string) (State, error) {
	next := s
	switch f {
	case FieldTodayDate, FieldAge:
		return s, fmt.Errorf("%w: %s", ErrReadOnlyField, f)
	case FieldPatientName:
		next.PatientName = value
	case FieldDOB:
		next.DOB = value
		next.Age = AgeOn(value, r.now())
	case FieldOtherChronic:
		next.OtherChronic = value
	case FieldOnsetTime:
		next.OnsetTime = value
	case FieldDuration:
		next.Duration = value
	case FieldPainType:
		next.PainType = value
	case FieldGender:
		code, ok := r.catalog.Resolve(f, value)
		if !ok {
			return s, fmt.Errorf("%w: %q for %s", ErrUnknownOption, value, f)
		}
		next.Gender = code
	case FieldAcuteChronic:
		if value == "" {
			next.AcuteChronic = ""
			break
		}
		code, ok := r.catalog.Resolve(f, value)
		if !ok {
			return s, fmt.Errorf("%w: %q for %s", ErrUnknownOption, value, f)
		}
		next.AcuteChronic = code
	case FieldTempBefore, FieldTempAfter:
		t, err := parseTemperature(value)
		if err != nil {
			return s, fmt.Errorf("%w: %s: %v", ErrInvalidValue, f, err)
		}
		if f == FieldTempBefore {
			next.TempBefore = t
		} else {
			next.TempAfter = t
		}
	case FieldPastHistory, FieldCurrentPainSite, FieldTreatmentSite:
		return s, fmt.Errorf("%w: %s takes toggle events", ErrInvalidValue, f)
	default:
		return s, fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	return next, nil
}

// parseTemperature reads a Celsius reading. An empty value clears the field.
func parseTemperature(v string) (*float64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if !IsDecimal(v) {
		return nil, fmt.Errorf("not a number: %q", v)
	}
	t, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", v)
	}
	return &t, nil
}

var decimalRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)

// IsDecimal reports whether s is a plain decimal number such as "36.5".
// Exponents, hex floats, underscores, NaN and Inf are rejected.
func IsDecimal(s string) bool {
	return decimalRe.MatchString(s)
}

package intake

import (
	"time"

	"github.com/google/uuid"
)

// Field names one input of the intake form. The names double as the JSON keys
// of State so that events and snapshots use the same vocabulary.
type Field string

const (
	FieldTodayDate       Field = "todayDate"
	FieldPatientName     Field = "patientName"
	FieldGender          Field = "gender"
	FieldDOB             Field = "dob"
	FieldAge             Field = "age"
	FieldPastHistory     Field = "pastHistory"
	FieldOtherChronic    Field = "otherChronic"
	FieldCurrentPainSite Field = "currentPainSite"
	FieldOnsetTime       Field = "onsetTime"
	FieldDuration        Field = "duration"
	FieldPainType        Field = "painType"
	FieldAcuteChronic    Field = "acuteChronic"
	FieldTreatmentSite   Field = "treatmentSite"
	FieldTempBefore      Field = "tempBefore"
	FieldTempAfter       Field = "tempAfter"
)

// Gender and course codes as stored in State.
const (
	GenderMale   = "male"
	GenderFemale = "female"

	CourseAcute   = "acute"
	CourseChronic = "chronic"
)

// DateLayout is the calendar-date format of todayDate and dob.
const DateLayout = "2006-01-02"

// State is one snapshot of the intake form. Every event produces a new value;
// set-valued fields are never modified in place, so copies of a State may
// share their slices.
type State struct {
	TodayDate       string   `json:"todayDate"`
	PatientName     string   `json:"patientName"`
	Gender          string   `json:"gender"`
	DOB             string   `json:"dob"`
	Age             *int     `json:"age"`
	PastHistory     []string `json:"pastHistory"`
	OtherChronic    string   `json:"otherChronic"`
	CurrentPainSite []string `json:"currentPainSite"`
	OnsetTime       string   `json:"onsetTime"`
	Duration        string   `json:"duration"`
	PainType        string   `json:"painType"`
	AcuteChronic    string   `json:"acuteChronic"`
	TreatmentSite   []string `json:"treatmentSite"`
	TempBefore      *float64 `json:"tempBefore"`
	TempAfter       *float64 `json:"tempAfter"`
}

// NewState returns an empty form whose todayDate is the calendar date of today.
func NewState(today time.Time) State {
	return State{
		TodayDate:       today.Format(DateLayout),
		PastHistory:     []string{},
		CurrentPainSite: []string{},
		TreatmentSite:   []string{},
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.PastHistory = append([]string{}, s.PastHistory...)
	out.CurrentPainSite = append([]string{}, s.CurrentPainSite...)
	out.TreatmentSite = append([]string{}, s.TreatmentSite...)
	if s.Age != nil {
		age := *s.Age
		out.Age = &age
	}
	if s.TempBefore != nil {
		v := *s.TempBefore
		out.TempBefore = &v
	}
	if s.TempAfter != nil {
		v := *s.TempAfter
		out.TempAfter = &v
	}
	return out
}

// Set returns the set-valued field f, or nil when f is not a set field.
func (s State) Set(f Field) []string {
	switch f {
	case FieldPastHistory:
		return s.PastHistory
	case FieldCurrentPainSite:
		return s.CurrentPainSite
	case FieldTreatmentSite:
		return s.TreatmentSite
	}
	return nil
}

// IsSetField reports whether f is backed by a checkbox group.
func IsSetField(f Field) bool {
	return f == FieldPastHistory || f == FieldCurrentPainSite || f == FieldTreatmentSite
}

// Session is one live form held by the service.
type Session struct {
	ID           uuid.UUID  `json:"id"`
	Clinic       string     `json:"clinic,omitempty"`
	State        State      `json:"state"`
	Phase        Phase      `json:"phase"`
	CanSubmit    bool       `json:"can_submit"`
	LastRecordID *uuid.UUID `json:"last_record_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

package intake

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// RequiredFields are the inputs the form marks as required.
var RequiredFields = []Field{FieldPatientName, FieldGender, FieldDOB}

// RequiredFieldsError reports the required inputs that are still empty.
type RequiredFieldsError struct {
	Fields []Field
}

func (e *RequiredFieldsError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return fmt.Sprintf("required fields missing: %s", strings.Join(names, ", "))
}

// MissingRequired lists the required fields of s that are empty, in form
// order. Presence is the only check.
func MissingRequired(s State) []Field {
	var missing []Field
	if strings.TrimSpace(s.PatientName) == "" {
		missing = append(missing, FieldPatientName)
	}
	if s.Gender == "" {
		missing = append(missing, FieldGender)
	}
	if strings.TrimSpace(s.DOB) == "" {
		missing = append(missing, FieldDOB)
	}
	return missing
}

// CheckRequired returns a *RequiredFieldsError when s cannot be submitted.
func CheckRequired(s State) error {
	if missing := MissingRequired(s); len(missing) > 0 {
		return &RequiredFieldsError{Fields: missing}
	}
	return nil
}

// Record is a submitted form, frozen at submission time.
type Record struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	State
}

// NewRecord freezes s into a record. Free-text answers are stripped of markup.
func NewRecord(sessionID uuid.UUID, s State, at time.Time) *Record {
	frozen := s.Clone()
	frozen.PatientName = plainText(frozen.PatientName)
	frozen.OtherChronic = plainText(frozen.OtherChronic)
	frozen.OnsetTime = plainText(frozen.OnsetTime)
	frozen.Duration = plainText(frozen.Duration)
	frozen.PainType = plainText(frozen.PainType)
	return &Record{
		ID:          uuid.New(),
		SessionID:   sessionID,
		SubmittedAt: at.UTC(),
		State:       frozen,
	}
}

var (
	textPolicyOnce sync.Once
	textPolicy     *bluemonday.Policy
)

// plainText strips markup from free-text input. Entities are decoded so that
// "&" and quotes read naturally; decoding can expose new tags (&lt;b&gt;), so
// the text is sanitized again until it no longer changes.
func plainText(raw string) string {
	textPolicyOnce.Do(func() {
		textPolicy = bluemonday.StrictPolicy()
	})
	out := raw
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(textPolicy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}
	if strings.ContainsAny(out, "<>") && textPolicy.Sanitize(out) != html.EscapeString(out) {
		out = strings.NewReplacer("<", "", ">", "").Replace(out)
	}
	return strings.TrimSpace(out)
}

const maxSanitizePasses = 4

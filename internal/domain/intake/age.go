package intake

import (
	"strings"
	"time"
)

// ParseDate parses a YYYY-MM-DD calendar date. Surrounding whitespace is
// ignored.
func ParseDate(s string) (time.Time, bool) {
	return ParseDateIn(s, time.UTC)
}

// ParseDateIn is ParseDate returning midnight in loc.
func ParseDateIn(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// AgeOn returns the age in whole years of someone born on dob, as of the
// calendar date of today. It returns nil when dob is empty or malformed.
// Birth dates after today yield 0.
func AgeOn(dob string, today time.Time) *int {
	birth, ok := ParseDate(dob)
	if !ok {
		return nil
	}
	y, m, d := today.Date()
	age := y - birth.Year()
	if m < birth.Month() || (m == birth.Month() && d < birth.Day()) {
		age--
	}
	if age < 0 {
		age = 0
	}
	return &age
}

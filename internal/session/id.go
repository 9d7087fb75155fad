package session

import (
	"fmt"
	"regexp"
	"time"
)

// idLayout renders as yyMMdd_HHmmss followed by four digits of sub-second precision.
const idLayout = "060102_150405"

var idRegex = regexp.MustCompile(`^\d{6}_\d{10}$`)

// NewID returns the sortable session identifier for t (UTC).
func NewID(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d", t.Format(idLayout), t.Nanosecond()/100_000)
}

// ValidateID checks that id has the session identifier shape.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format: %s", id)
	}
	return nil
}

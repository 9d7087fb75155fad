package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser reads standard 5-field expressions (minute hour day month weekday).
// Cleanup shares it so both accept the same syntax.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses expr, wrapping failures in ErrInvalidCron.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// NextRun is the first run of expr strictly after after. Expressions are
// evaluated in UTC so every instance agrees whatever its local zone.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after.UTC()), nil
}

// UpcomingRuns lists the next n runs of expr after after.
func UpcomingRuns(expr string, after time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, n)
	t := after.UTC()
	for len(runs) < n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		runs = append(runs, t)
	}
	return runs, nil
}

// ValidateCron checks if a cron expression is valid
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

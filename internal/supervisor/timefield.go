package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTimeField parses an externally supplied scheduling control value
// (remaining minutes, budget hours) into a non-negative integer. The zero
// boundary must survive: "0" parses to numeric 0, and an input that trims to
// nothing is rejected rather than treated as zero-by-accident.
func ParseTimeField(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("time field is empty")
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("time field %q is not an integer: %w", raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("time field %q is negative", raw)
	}
	return n, nil
}

// BudgetFromMinutes turns a raw minutes field into a deadline relative to
// now. A malformed field degrades to "no time remaining": the run starts,
// observes an expired budget, and exits cleanly instead of crashing or
// spinning on a bad clock input.
func BudgetFromMinutes(raw string, now time.Time) (time.Time, error) {
	minutes, err := ParseTimeField(raw)
	if err != nil {
		return now, fmt.Errorf("budget defaulting to zero: %w", err)
	}
	return now.Add(time.Duration(minutes) * time.Minute), nil
}

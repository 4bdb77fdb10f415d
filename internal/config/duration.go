package config

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/timeplan"
)

// ParseDurationField parses a duration-string config field. Empty means
// unset and yields zero; the caller decides whether zero is acceptable.
// Malformed or negative values are ValidationErrors, like every other
// rejected config input.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &timeplan.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a duration", raw)}
	}
	if d < 0 {
		return 0, &timeplan.ValidationError{Field: field, Reason: "duration must be >= 0"}
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset (or zero) fields.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

package syncproto

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used on the wire and in storage.
const DateLayout = "2006-01-02"

// ErrInvalidDate indicates that a value is not a YYYY-MM-DD calendar date.
var ErrInvalidDate = errors.New("syncproto: invalid calendar date")

// ParseDate validates raw input and returns the canonical calendar date.
func ParseDate(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	parsed, err := time.Parse(DateLayout, trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, trimmed)
	}
	return parsed.Format(DateLayout), nil
}

// DateIn returns the calendar date of the instant in the provided location.
func DateIn(instant time.Time, location *time.Location) string {
	if location == nil {
		location = time.UTC
	}
	return instant.In(location).Format(DateLayout)
}

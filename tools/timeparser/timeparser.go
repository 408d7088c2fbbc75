package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// expiryFormats are tried in order; layouts without a zone are read in the
// caller's location
var expiryFormats = []string{
	time.RFC3339,          // 2026-01-31T23:59:00+07:00
	"2006-01-02T15:04",    // datetime-local form input
	"2006-01-02 15:04:05", // SQL-ish
	"2006-01-02",          // date only, start of day
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	"02/01/2006",          // DD/MM/YYYY
}

// ParseExpiry parses an operator-supplied expiry timestamp
func ParseExpiry(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty expiry")
	}
	if loc == nil {
		loc = time.UTC
	}

	var lastErr error
	for _, format := range expiryFormats {
		t, err := time.ParseInLocation(format, value, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse expiry '%s': %w", value, lastErr)
}

// AddDays moves t forward by whole calendar days, keeping wall-clock time
func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}

// RechargeBase picks the instant a recharge extends from: the previous expiry
// while it is still in the future, otherwise now
func RechargeBase(previous *time.Time, now time.Time) time.Time {
	if previous != nil && previous.After(now) {
		return *previous
	}
	return now
}

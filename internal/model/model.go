package model

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MonthKeyLayout is the canonical month identifier format, e.g. "201606".
const MonthKeyLayout = "200601"

// Fingerprint is a content digest over an event's timestamp and title.
// A nil Fingerprint marks an event that was entered by hand.
type Fingerprint []byte

// Equal reports whether both fingerprints hold the same bytes.
// Two nil fingerprints are equal.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return bytes.Equal(f, o)
}

// Event is a single scheduled performance.
//
// Identity for reconciliation is the timestamp alone (to the minute); the
// title and attendees never change which occurrence an Event refers to.
type Event struct {
	// Timestamp is the scheduled start, truncated to the minute.
	Timestamp time.Time
	Title     string
	// Attendees is a free-text note entered by the user. Remote
	// extraction never fills it in.
	Attendees string
	// Fingerprint is set only for remotely sourced events.
	Fingerprint Fingerprint
}

// Manual reports whether the event was created by hand.
func (e Event) Manual() bool {
	return e.Fingerprint == nil
}

// SameOccurrence reports whether e and o refer to the same scheduled slot.
func (e Event) SameOccurrence(o Event) bool {
	return e.Timestamp.Equal(o.Timestamp)
}

// Normalize truncates the timestamp to the minute and trims the title.
func (e Event) Normalize() Event {
	e.Timestamp = e.Timestamp.Truncate(time.Minute)
	e.Title = strings.TrimSpace(e.Title)
	return e
}

// MonthKey returns the canonical YYYYMM key of the month containing t.
func MonthKey(t time.Time) string {
	return t.Format(MonthKeyLayout)
}

// ParseMonthKey returns the first instant of the month named by key in loc.
func ParseMonthKey(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if len(key) != len(MonthKeyLayout) {
		return time.Time{}, fmt.Errorf("invalid month key %q", key)
	}
	t, err := time.ParseInLocation(MonthKeyLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month key %q: %w", key, err)
	}
	return t, nil
}

// MonthStart returns the first instant of t's month in t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// ErrValidation is matched by every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError rejects a manual mutation without changing any state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Package store persists each month's event list under its YYYYMM key.
//
// The stored value is the ordered list of (timestamp, title, attendees)
// tuples. Fingerprints only exist for the duration of a sync run unless
// Options.PersistFingerprints is set.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"theatrecal/internal/model"
)

// ErrNotFound is returned by Read when nothing is stored under the key.
var ErrNotFound = errors.New("store: month not found")

// Store is a month-keyed key-value store.
type Store interface {
	// Read returns the events saved under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]model.Event, error)
	// Write replaces the events saved under key.
	Write(ctx context.Context, key string, events []model.Event) error
	Close() error
}

// Options shared by all backends.
type Options struct {
	PersistFingerprints bool
}

// Open returns the backend named by driver ("sqlite" or "badger").
func Open(driver, path string, opts Options) (Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(path, opts)
	case "badger":
		return OpenBadger(path, opts)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

// record is the persisted shape of one event.
type record struct {
	Timestamp   time.Time `json:"timestamp"`
	Title       string    `json:"title"`
	Attendees   string    `json:"attendees,omitempty"`
	Fingerprint []byte    `json:"fingerprint,omitempty"`
}

type codec struct {
	keepFingerprints bool
}

func (c codec) encode(events []model.Event) ([]byte, error) {
	recs := make([]record, 0, len(events))
	for _, ev := range events {
		r := record{
			Timestamp: ev.Timestamp,
			Title:     ev.Title,
			Attendees: ev.Attendees,
		}
		if c.keepFingerprints {
			r.Fingerprint = ev.Fingerprint
		}
		recs = append(recs, r)
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("encode month: %w", err)
	}
	return data, nil
}

func (c codec) decode(data []byte) ([]model.Event, error) {
	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode month: %w", err)
	}
	events := make([]model.Event, 0, len(recs))
	for i, r := range recs {
		if r.Timestamp.IsZero() || r.Title == "" {
			return nil, fmt.Errorf("decode month: record %d is incomplete", i)
		}
		ev := model.Event{
			Timestamp: r.Timestamp,
			Title:     r.Title,
			Attendees: r.Attendees,
		}
		if c.keepFingerprints && len(r.Fingerprint) > 0 {
			ev.Fingerprint = model.Fingerprint(r.Fingerprint)
		}
		events = append(events, ev)
	}
	return events, nil
}

package schedule

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	appLog "theatrecal/internal/log"
	"theatrecal/internal/metrics"
	"theatrecal/internal/model"
	"theatrecal/internal/store"
)

// ErrEventNotFound is returned when a mutation names an event the month
// does not hold. It signals a caller bug and is never swallowed.
var ErrEventNotFound = errors.New("schedule: event not found")

// Month is the cache-owned snapshot of one calendar month.
//
// Events are kept sorted ascending by timestamp with no two sharing a
// timestamp. Any structural mutation marks the month dirty; a successful
// save or load clears it. A Month is not safe for concurrent use.
type Month struct {
	key    string
	anchor time.Time
	events []model.Event
	dirty  bool
	store  store.Store
}

func newMonth(anchor time.Time, st store.Store) *Month {
	anchor = model.MonthStart(anchor)
	return &Month{
		key:    model.MonthKey(anchor),
		anchor: anchor,
		store:  st,
	}
}

// Key returns the canonical YYYYMM key.
func (m *Month) Key() string { return m.key }

// Anchor returns the first instant of the month.
func (m *Month) Anchor() time.Time { return m.anchor }

// End returns the first instant of the following month.
func (m *Month) End() time.Time { return m.anchor.AddDate(0, 1, 0) }

// Dirty reports whether the month has unsaved changes.
func (m *Month) Dirty() bool { return m.dirty }

// Len returns the number of events.
func (m *Month) Len() int { return len(m.events) }

// Events returns a copy of the events in ascending timestamp order.
func (m *Month) Events() []model.Event {
	return slices.Clone(m.events)
}

// All yields the events in ascending timestamp order. The sequence can be
// ranged over any number of times.
func (m *Month) All() iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		for _, ev := range m.events {
			if !yield(ev) {
				return
			}
		}
	}
}

// Find returns the event scheduled at ts.
func (m *Month) Find(ts time.Time) (model.Event, bool) {
	i, ok := m.index(ts)
	if !ok {
		return model.Event{}, false
	}
	return m.events[i], true
}

// Add inserts a new event. It fails with a validation error if the event is
// incomplete, falls outside the month, or its timestamp is already taken;
// edits must go through Replace.
func (m *Month) Add(ev model.Event) error {
	ev, err := m.validate(ev)
	if err != nil {
		return err
	}
	i, found := m.index(ev.Timestamp)
	if found {
		return &model.ValidationError{Field: "timestamp", Reason: "an event is already scheduled at " + ev.Timestamp.Format("2006-01-02 15:04")}
	}
	m.events = slices.Insert(m.events, i, ev)
	m.dirty = true
	return nil
}

// Replace swaps existing for ev as a single change. Nothing is modified if
// existing is absent or ev is invalid.
func (m *Month) Replace(existing, ev model.Event) error {
	old, found := m.index(existing.Timestamp)
	if !found {
		return ErrEventNotFound
	}
	ev, err := m.validate(ev)
	if err != nil {
		return err
	}
	if !ev.Timestamp.Equal(m.events[old].Timestamp) {
		if _, taken := m.index(ev.Timestamp); taken {
			return &model.ValidationError{Field: "timestamp", Reason: "an event is already scheduled at " + ev.Timestamp.Format("2006-01-02 15:04")}
		}
	}
	m.events = slices.Delete(m.events, old, old+1)
	i, _ := m.index(ev.Timestamp)
	m.events = slices.Insert(m.events, i, ev)
	m.dirty = true
	return nil
}

// Delete removes the event with ev's timestamp.
func (m *Month) Delete(ev model.Event) error {
	i, found := m.index(ev.Timestamp)
	if !found {
		return ErrEventNotFound
	}
	m.events = slices.Delete(m.events, i, i+1)
	m.dirty = true
	return nil
}

// Clear removes every event. The month is marked dirty even if it was
// already empty.
func (m *Month) Clear() {
	m.events = nil
	m.dirty = true
}

// Save writes the month to the store if it is dirty.
func (m *Month) Save(ctx context.Context) error {
	if !m.dirty {
		return nil
	}
	if err := m.store.Write(ctx, m.key, m.events); err != nil {
		metrics.MonthSaves.WithLabelValues("error").Inc()
		return fmt.Errorf("save month %s: %w", m.key, err)
	}
	metrics.MonthSaves.WithLabelValues("ok").Inc()
	m.dirty = false
	appLog.Info("month saved", "key", m.key, "events", len(m.events))
	return nil
}

// Reload discards unsaved changes and loads the month from the store again.
func (m *Month) Reload(ctx context.Context) {
	m.events = nil
	m.load(ctx)
}

// load reads the stored events. Any failure leaves the month empty and
// clean: a missing or unreadable month degrades to "no data". The read
// ignores cancellation of ctx so an abandoned caller cannot cache a stored
// month as empty.
func (m *Month) load(ctx context.Context) {
	defer func() { m.dirty = false }()

	events, err := m.store.Read(context.WithoutCancel(ctx), m.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.MonthLoadFallbacks.Inc()
			appLog.Error("month load failed; starting empty", err, "key", m.key)
		}
		m.events = nil
		return
	}

	loc := m.anchor.Location()
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		ev.Timestamp = ev.Timestamp.In(loc)
		ev = ev.Normalize()
		i, found := slices.BinarySearchFunc(out, ev.Timestamp, compareTimestamp)
		if found {
			appLog.Warn("stored month has duplicate timestamp; keeping first", "key", m.key, "timestamp", ev.Timestamp)
			continue
		}
		out = slices.Insert(out, i, ev)
	}
	m.events = out
}

// validate normalizes a manually supplied event and checks it belongs here.
func (m *Month) validate(ev model.Event) (model.Event, error) {
	if ev.Timestamp.IsZero() {
		return ev, &model.ValidationError{Field: "timestamp", Reason: "missing"}
	}
	ev.Timestamp = ev.Timestamp.In(m.anchor.Location())
	ev = ev.Normalize()
	if strings.TrimSpace(ev.Title) == "" {
		return ev, &model.ValidationError{Field: "title", Reason: "empty"}
	}
	if ev.Timestamp.Before(m.anchor) || !ev.Timestamp.Before(m.End()) {
		return ev, &model.ValidationError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("%s is outside %s", ev.Timestamp.Format("2006-01-02 15:04"), m.anchor.Format("January 2006")),
		}
	}
	return ev, nil
}

func (m *Month) index(ts time.Time) (int, bool) {
	return slices.BinarySearchFunc(m.events, ts.Truncate(time.Minute), compareTimestamp)
}

func compareTimestamp(ev model.Event, ts time.Time) int {
	return ev.Timestamp.Compare(ts)
}

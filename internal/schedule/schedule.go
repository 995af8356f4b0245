// Package schedule is the in-memory month cache backed by a store.Store.
//
// Months are loaded lazily on first lookup and stay in the cache for the life
// of the Schedule; edits and merges accumulate until an explicit save. The
// package does no locking: callers serialize access to a Schedule and the
// months it hands out.
package schedule

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	appLog "theatrecal/internal/log"
	"theatrecal/internal/metrics"
	"theatrecal/internal/model"
	"theatrecal/internal/store"
)

// Schedule caches month snapshots and tracks a navigation cursor.
type Schedule struct {
	store  store.Store
	loc    *time.Location
	now    func() time.Time
	months map[string]*Month
	cursor time.Time
}

// Option customizes a Schedule.
type Option func(*Schedule)

// WithLocation sets the zone months and events are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(s *Schedule) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Schedule) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty cache over st with the cursor on the current month.
func New(st store.Store, opts ...Option) *Schedule {
	s := &Schedule{
		store:  st,
		loc:    time.Local,
		now:    time.Now,
		months: make(map[string]*Month),
	}
	for _, o := range opts {
		o(s)
	}
	s.cursor = model.MonthStart(s.Now())
	return s
}

// Now returns the current time in the schedule's zone.
func (s *Schedule) Now() time.Time {
	return s.now().In(s.loc)
}

// Location returns the schedule's zone.
func (s *Schedule) Location() *time.Location { return s.loc }

// Month returns the snapshot for the month containing date, loading it on
// first use. The cursor does not move.
func (s *Schedule) Month(ctx context.Context, date time.Time) *Month {
	date = date.In(s.loc)
	key := model.MonthKey(date)
	if m, ok := s.months[key]; ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return m
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	m := newMonth(date, s.store)
	m.load(ctx)
	s.months[key] = m
	appLog.Debug("month loaded", "key", key, "events", m.Len())
	return m
}

// MonthByKey is Month for a YYYYMM key.
func (s *Schedule) MonthByKey(ctx context.Context, key string) (*Month, error) {
	anchor, err := model.ParseMonthKey(key, s.loc)
	if err != nil {
		return nil, &model.ValidationError{Field: "month", Reason: err.Error()}
	}
	return s.Month(ctx, anchor), nil
}

// Current moves the cursor back to the current month and returns it.
func (s *Schedule) Current(ctx context.Context) *Month {
	s.cursor = model.MonthStart(s.Now())
	return s.Month(ctx, s.cursor)
}

// Next advances the cursor one month and returns that month.
func (s *Schedule) Next(ctx context.Context) *Month {
	s.cursor = s.cursor.AddDate(0, 1, 0)
	return s.Month(ctx, s.cursor)
}

// Previous moves the cursor back one month and returns that month.
func (s *Schedule) Previous(ctx context.Context) *Month {
	s.cursor = s.cursor.AddDate(0, -1, 0)
	return s.Month(ctx, s.cursor)
}

// Cursor returns the first instant of the month the cursor is on.
func (s *Schedule) Cursor() time.Time { return s.cursor }

// Keys returns the keys of all loaded months in ascending order.
func (s *Schedule) Keys() []string {
	return slices.Sorted(maps.Keys(s.months))
}

// IsAnyDirty reports whether any loaded month has unsaved changes.
func (s *Schedule) IsAnyDirty() bool {
	return s.DirtyCount() > 0
}

// DirtyCount returns the number of loaded months with unsaved changes.
func (s *Schedule) DirtyCount() int {
	n := 0
	for _, m := range s.months {
		if m.dirty {
			n++
		}
	}
	return n
}

// SaveAllDirty saves every dirty month in key order. A failing month does
// not stop the others; all failures are returned joined.
func (s *Schedule) SaveAllDirty(ctx context.Context) error {
	var errs []error
	for _, key := range s.Keys() {
		if err := s.months[key].Save(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Merge reconciles the month named by key against incoming, treating
// anything scheduled before the current time as frozen.
func (s *Schedule) Merge(ctx context.Context, key string, incoming []model.Event) (ChangeReport, error) {
	m, err := s.MonthByKey(ctx, key)
	if err != nil {
		return ChangeReport{Key: key}, err
	}
	report := m.Merge(incoming, s.Now())
	if report.HasChanges() {
		appLog.Info("month merged", "key", key, "changes", len(report.Changes))
	}
	return report, nil
}

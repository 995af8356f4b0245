package schedule

import (
	"slices"
	"strings"
	"time"

	"theatrecal/internal/metrics"
	"theatrecal/internal/model"
)

// ChangeKind classifies one reconciliation change.
type ChangeKind int

const (
	Added ChangeKind = iota
	Changed
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// changeLayout renders "<day> <weekday> <HH:MM>".
const changeLayout = "02 Mon 15:04"

// Change describes a single addition, title change or removal.
type Change struct {
	Kind      ChangeKind
	Timestamp time.Time
	Title     string
	// OldTitle is set for Changed only.
	OldTitle string
}

func (c Change) String() string {
	when := c.Timestamp.Format(changeLayout)
	switch c.Kind {
	case Added:
		return "Added:   " + when + " " + c.Title
	case Changed:
		return "Changed: " + when + " " + c.OldTitle + " -> " + c.Title
	default:
		return "Removed: " + when + " " + c.Title
	}
}

// ChangeReport lists the changes one merge applied to a month. Additions
// and changes come in incoming order, removals after them in month order.
type ChangeReport struct {
	Key     string
	Changes []Change
}

// HasChanges reports whether the merge modified the month.
func (r ChangeReport) HasChanges() bool { return len(r.Changes) > 0 }

// Descriptions returns one human-readable line per change.
func (r ChangeReport) Descriptions() []string {
	out := make([]string, len(r.Changes))
	for i, c := range r.Changes {
		out[i] = c.String()
	}
	return out
}

func (r ChangeReport) String() string {
	return strings.Join(r.Descriptions(), "\n")
}

// Merge reconciles the month against freshly fetched events and reports what
// changed. Events that already started before now are never touched in either
// direction, and events without a fingerprint are never removed.
//
// Incoming events are expected to carry fingerprints and to belong to this
// month.
func (m *Month) Merge(incoming []model.Event, now time.Time) ChangeReport {
	report := ChangeReport{Key: m.key}

	for _, in := range incoming {
		in.Timestamp = in.Timestamp.In(m.anchor.Location()).Truncate(time.Minute)
		if in.Timestamp.Before(now) {
			continue
		}
		i, found := m.index(in.Timestamp)
		if !found {
			m.events = slices.Insert(m.events, i, in)
			report.Changes = append(report.Changes, Change{Kind: Added, Timestamp: in.Timestamp, Title: in.Title})
			continue
		}
		old := m.events[i]
		if old.Fingerprint.Equal(in.Fingerprint) {
			continue
		}
		// Same slot, different text: the user's attendee note survives.
		in.Attendees = old.Attendees
		m.events[i] = in
		report.Changes = append(report.Changes, Change{Kind: Changed, Timestamp: in.Timestamp, Title: in.Title, OldTitle: old.Title})
	}

	remote := make(map[string]struct{}, len(incoming))
	for _, in := range incoming {
		if in.Fingerprint != nil {
			remote[string(in.Fingerprint)] = struct{}{}
		}
	}
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.Manual() || ev.Timestamp.Before(now) {
			kept = append(kept, ev)
			continue
		}
		if _, ok := remote[string(ev.Fingerprint)]; ok {
			kept = append(kept, ev)
			continue
		}
		report.Changes = append(report.Changes, Change{Kind: Removed, Timestamp: ev.Timestamp, Title: ev.Title})
	}
	clear(m.events[len(kept):])
	m.events = kept

	for _, c := range report.Changes {
		metrics.MergeChanges.WithLabelValues(c.Kind.String()).Inc()
	}
	if report.HasChanges() {
		m.dirty = true
	}
	return report
}


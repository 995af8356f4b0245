// Package ics renders months of the schedule as iCalendar feeds.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"theatrecal/internal/model"
)

// DefaultDuration is used for DTEND; the listing carries no end times.
const DefaultDuration = 3 * time.Hour

const productID = "-//theatrecal//schedule export//EN"

// Options controls an export.
type Options struct {
	// Name becomes X-WR-CALNAME.
	Name string
	// Duration of every event; zero means DefaultDuration.
	Duration time.Duration
	// Stamp is written as DTSTAMP. Zero means time.Now.
	Stamp time.Time
}

// UID returns the stable identifier of the occurrence at ts. Identity is the
// slot, so a retitled performance keeps its UID.
func UID(ts time.Time) string {
	return ts.UTC().Format("20060102T1504Z") + "@theatrecal"
}

// ExportMonth writes events as a VCALENDAR with one VEVENT each.
func ExportMonth(w io.Writer, events []model.Event, opts Options) error {
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	if opts.Stamp.IsZero() {
		opts.Stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	for _, ev := range events {
		ve := cal.AddEvent(UID(ev.Timestamp))
		ve.SetDtStampTime(opts.Stamp)
		ve.SetStartAt(ev.Timestamp)
		ve.SetEndAt(ev.Timestamp.Add(opts.Duration))
		ve.SetSummary(ev.Title)
		if a := strings.TrimSpace(ev.Attendees); a != "" {
			ve.SetDescription(a)
		}
		if ev.Manual() {
			ve.SetProperty(ical.ComponentProperty("X-THEATRECAL-MANUAL"), "TRUE")
		}
	}

	if err := cal.SerializeTo(w); err != nil {
		return fmt.Errorf("serialize calendar: %w", err)
	}
	return nil
}

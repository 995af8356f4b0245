package ics

import (
	"bytes"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"

	"theatrecal/internal/model"
)

func TestExportMonth(t *testing.T) {
	kyiv := time.FixedZone("EEST", 3*60*60)
	events := []model.Event{
		{Timestamp: time.Date(2016, 6, 20, 19, 0, 0, 0, kyiv), Title: "Carmen", Attendees: "Smith", Fingerprint: model.Fingerprint{1}},
		{Timestamp: time.Date(2016, 6, 21, 11, 30, 0, 0, kyiv), Title: "Private show"},
	}

	var buf bytes.Buffer
	err := ExportMonth(&buf, events, Options{Name: "June 2016", Stamp: time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("ExportMonth() failed: %v", err)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, buf.String())
	}
	got := cal.Events()
	if len(got) != 2 {
		t.Fatalf("got %d events", len(got))
	}

	first := got[0]
	if p := first.GetProperty(ical.ComponentPropertySummary); p == nil || p.Value != "Carmen" {
		t.Errorf("summary = %v", p)
	}
	if p := first.GetProperty(ical.ComponentPropertyDescription); p == nil || p.Value != "Smith" {
		t.Errorf("description = %v", p)
	}
	if p := first.GetProperty(ical.ComponentPropertyUniqueId); p == nil || p.Value != "20160620T1600Z@theatrecal" {
		t.Errorf("uid = %v", p)
	}
	start, err := first.GetStartAt()
	if err != nil || !start.Equal(events[0].Timestamp) {
		t.Errorf("start = %v, %v", start, err)
	}
	end, err := first.GetEndAt()
	if err != nil || end.Sub(start) != DefaultDuration {
		t.Errorf("end = %v, %v", end, err)
	}
	if first.GetProperty(ical.ComponentProperty("X-THEATRECAL-MANUAL")) != nil {
		t.Error("remote event flagged manual")
	}
	if got[1].GetProperty(ical.ComponentProperty("X-THEATRECAL-MANUAL")) == nil {
		t.Error("manual event not flagged")
	}
}

func TestUIDIgnoresTitle(t *testing.T) {
	ts := time.Date(2016, 6, 20, 19, 0, 0, 0, time.UTC)
	if UID(ts) != UID(ts.In(time.FixedZone("X", 7200))) {
		t.Error("UID depends on zone")
	}
}

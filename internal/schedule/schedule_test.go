package schedule

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"theatrecal/internal/model"
	"theatrecal/internal/store"
)

// memStore is a store.Store over a map with injectable failures.
type memStore struct {
	data     map[string][]model.Event
	readErr  map[string]error
	writeErr map[string]error
	writes   []string
}

func newMemStore() *memStore {
	return &memStore{
		data:     map[string][]model.Event{},
		readErr:  map[string]error{},
		writeErr: map[string]error{},
	}
}

func (s *memStore) Read(ctx context.Context, key string) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.readErr[key]; err != nil {
		return nil, err
	}
	evs, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(evs), nil
}

func (s *memStore) Write(_ context.Context, key string, events []model.Event) error {
	s.writes = append(s.writes, key)
	if err := s.writeErr[key]; err != nil {
		return err
	}
	s.data[key] = slices.Clone(events)
	return nil
}

func (s *memStore) Close() error { return nil }

var testNow = time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestSchedule(st store.Store) *Schedule {
	return New(st, WithLocation(time.UTC), WithClock(func() time.Time { return testNow }))
}

func at(day, hour, minute int) time.Time {
	return time.Date(2016, 6, day, hour, minute, 0, 0, time.UTC)
}

func fp(ts time.Time, title string) model.Fingerprint {
	return model.Fingerprint(ts.Format("2006.01.02 15:04") + title)
}

func remote(ts time.Time, title string) model.Event {
	return model.Event{Timestamp: ts, Title: title, Fingerprint: fp(ts, title)}
}

func assertSorted(t *testing.T, m *Month) {
	t.Helper()
	evs := m.Events()
	for i := 1; i < len(evs); i++ {
		if !evs[i-1].Timestamp.Before(evs[i].Timestamp) {
			t.Fatalf("events not strictly ascending at %d: %v then %v", i, evs[i-1].Timestamp, evs[i].Timestamp)
		}
	}
}

func TestLazyLoadMissingMonth(t *testing.T) {
	s := newTestSchedule(newMemStore())
	m := s.Month(context.Background(), at(15, 0, 0))
	if m.Key() != "201606" {
		t.Errorf("Key() = %q", m.Key())
	}
	if m.Len() != 0 || m.Dirty() {
		t.Errorf("got len=%d dirty=%v, want empty clean month", m.Len(), m.Dirty())
	}
}

func TestLoadFailureYieldsEmptyCleanMonth(t *testing.T) {
	st := newMemStore()
	st.data["201606"] = []model.Event{{Timestamp: at(20, 19, 0), Title: "Carmen"}}
	st.readErr["201606"] = errors.New("decode month: unexpected end of JSON input")

	s := newTestSchedule(st)
	m, err := s.MonthByKey(context.Background(), "201606")
	if err != nil {
		t.Fatalf("MonthByKey() failed: %v", err)
	}
	if m.Len() != 0 || m.Dirty() {
		t.Errorf("got len=%d dirty=%v, want empty clean month", m.Len(), m.Dirty())
	}
}

func TestLoadSortsStoredEvents(t *testing.T) {
	st := newMemStore()
	st.data["201606"] = []model.Event{
		{Timestamp: at(21, 19, 0), Title: "Aida"},
		{Timestamp: at(20, 19, 0), Title: "Carmen"},
		{Timestamp: at(21, 19, 0), Title: "Aida again"},
	}
	m := newTestSchedule(st).Month(context.Background(), at(1, 0, 0))
	assertSorted(t, m)
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want duplicate timestamp dropped", m.Len())
	}
}

func TestCancelledFirstLookupKeepsStoredEvents(t *testing.T) {
	st := newMemStore()
	st.data["201606"] = []model.Event{{Timestamp: at(20, 19, 0), Title: "Carmen", Attendees: "Smith"}}
	s := newTestSchedule(st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := s.Month(ctx, at(1, 0, 0))
	if m.Len() != 1 {
		t.Fatalf("cancelled lookup: Len() = %d, want 1", m.Len())
	}

	m = s.Month(context.Background(), at(1, 0, 0))
	if err := m.Add(model.Event{Timestamp: at(21, 19, 0), Title: "Manual"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAllDirty(context.Background()); err != nil {
		t.Fatal(err)
	}
	stored := st.data["201606"]
	if len(stored) != 2 || stored[0].Title != "Carmen" || stored[0].Attendees != "Smith" {
		t.Errorf("stored after save = %+v", stored)
	}
}

func TestMonthIsCached(t *testing.T) {
	s := newTestSchedule(newMemStore())
	ctx := context.Background()
	a := s.Month(ctx, at(1, 0, 0))
	b := s.Month(ctx, at(30, 23, 59))
	c, _ := s.MonthByKey(ctx, "201606")
	if a != b || a != c {
		t.Error("lookups for the same month returned different snapshots")
	}
}

func TestMonthByKeyRejectsBadKey(t *testing.T) {
	s := newTestSchedule(newMemStore())
	for _, key := range []string{"", "2016", "2016-06", "201613"} {
		if _, err := s.MonthByKey(context.Background(), key); !errors.Is(err, model.ErrValidation) {
			t.Errorf("MonthByKey(%q) err = %v, want validation error", key, err)
		}
	}
}

func TestCursorNavigation(t *testing.T) {
	s := newTestSchedule(newMemStore())
	ctx := context.Background()

	steps := []struct {
		move func(context.Context) *Month
		want string
	}{
		{s.Next, "201607"},
		{s.Next, "201608"},
		{s.Previous, "201607"},
		{s.Current, "201606"},
		{s.Previous, "201605"},
		{s.Previous, "201604"},
		{s.Current, "201606"},
	}
	for i, st := range steps {
		if got := st.move(ctx).Key(); got != st.want {
			t.Errorf("step %d: got %s, want %s", i, got, st.want)
		}
	}
}

func TestCursorCrossesYear(t *testing.T) {
	s := New(newMemStore(), WithLocation(time.UTC), WithClock(func() time.Time {
		return time.Date(2016, 12, 31, 23, 0, 0, 0, time.UTC)
	}))
	ctx := context.Background()
	if got := s.Next(ctx).Key(); got != "201701" {
		t.Errorf("Next() = %s, want 201701", got)
	}
	s.Current(ctx)
	if got := s.Previous(ctx).Key(); got != "201611" {
		t.Errorf("Previous() = %s, want 201611", got)
	}
}

func TestAddKeepsOrderAndMarksDirty(t *testing.T) {
	m := newTestSchedule(newMemStore()).Month(context.Background(), at(1, 0, 0))
	for _, ev := range []model.Event{
		{Timestamp: at(20, 19, 0), Title: "Carmen"},
		{Timestamp: at(5, 11, 0), Title: "Silva"},
		{Timestamp: at(12, 18, 30), Title: "  Aida  "},
	} {
		if err := m.Add(ev); err != nil {
			t.Fatalf("Add(%v) failed: %v", ev, err)
		}
	}
	assertSorted(t, m)
	if !m.Dirty() {
		t.Error("month not dirty after Add")
	}
	if ev, ok := m.Find(at(12, 18, 30)); !ok || ev.Title != "Aida" {
		t.Errorf("Find() = %+v, %v; want trimmed Aida", ev, ok)
	}
	if !m.Events()[0].Manual() {
		t.Error("manually added event has a fingerprint")
	}
}

func TestAddValidation(t *testing.T) {
	m := newTestSchedule(newMemStore()).Month(context.Background(), at(1, 0, 0))
	if err := m.Add(model.Event{Timestamp: at(20, 19, 0), Title: "Carmen"}); err != nil {
		t.Fatal(err)
	}
	m.dirty = false

	tests := []struct {
		name  string
		ev    model.Event
		field string
	}{
		{"empty title", model.Event{Timestamp: at(21, 19, 0), Title: " \t"}, "title"},
		{"zero timestamp", model.Event{Title: "Aida"}, "timestamp"},
		{"before month", model.Event{Timestamp: time.Date(2016, 5, 31, 23, 59, 0, 0, time.UTC), Title: "Aida"}, "timestamp"},
		{"after month", model.Event{Timestamp: time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC), Title: "Aida"}, "timestamp"},
		{"duplicate", model.Event{Timestamp: at(20, 19, 0).Add(30 * time.Second), Title: "Aida"}, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Add(tt.ev)
			var verr *model.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("Add() err = %v, want validation error on %s", err, tt.field)
			}
			if m.Len() != 1 || m.Dirty() {
				t.Errorf("failed Add changed state: len=%d dirty=%v", m.Len(), m.Dirty())
			}
		})
	}
}

func TestReplace(t *testing.T) {
	m := newTestSchedule(newMemStore()).Month(context.Background(), at(1, 0, 0))
	carmen := model.Event{Timestamp: at(20, 19, 0), Title: "Carmen"}
	aida := model.Event{Timestamp: at(25, 19, 0), Title: "Aida"}
	for _, ev := range []model.Event{carmen, aida} {
		if err := m.Add(ev); err != nil {
			t.Fatal(err)
		}
	}

	moved := model.Event{Timestamp: at(2, 18, 0), Title: "Carmen", Attendees: "Smith"}
	if err := m.Replace(carmen, moved); err != nil {
		t.Fatalf("Replace() failed: %v", err)
	}
	assertSorted(t, m)
	if _, ok := m.Find(carmen.Timestamp); ok {
		t.Error("old slot still occupied after Replace")
	}
	if ev, _ := m.Find(moved.Timestamp); ev.Attendees != "Smith" {
		t.Errorf("replacement = %+v", ev)
	}

	if err := m.Replace(moved, model.Event{Timestamp: aida.Timestamp, Title: "Clash"}); !errors.Is(err, model.ErrValidation) {
		t.Errorf("Replace onto taken slot err = %v, want validation error", err)
	}
	if err := m.Replace(carmen, moved); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Replace of absent event err = %v, want ErrEventNotFound", err)
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d after rejected replaces", m.Len())
	}
}

func TestDeleteAndClear(t *testing.T) {
	m := newTestSchedule(newMemStore()).Month(context.Background(), at(1, 0, 0))
	ev := model.Event{Timestamp: at(20, 19, 0), Title: "Carmen"}
	if err := m.Delete(ev); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("Delete() on empty month err = %v", err)
	}
	if m.Dirty() {
		t.Error("failed Delete marked month dirty")
	}
	if err := m.Add(ev); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ev); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Delete", m.Len())
	}

	empty := newTestSchedule(newMemStore()).Month(context.Background(), at(1, 0, 0))
	empty.Clear()
	if !empty.Dirty() {
		t.Error("Clear() on empty month did not mark it dirty")
	}
}

func TestSave(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	m := newTestSchedule(st).Month(ctx, at(1, 0, 0))

	if err := m.Save(ctx); err != nil {
		t.Fatal(err)
	}
	if len(st.writes) != 0 {
		t.Errorf("clean Save() wrote %v", st.writes)
	}

	if err := m.Add(model.Event{Timestamp: at(20, 19, 0), Title: "Carmen"}); err != nil {
		t.Fatal(err)
	}
	st.writeErr["201606"] = errors.New("disk full")
	if err := m.Save(ctx); err == nil {
		t.Fatal("Save() succeeded despite store error")
	}
	if !m.Dirty() {
		t.Error("failed Save cleared dirty flag")
	}

	delete(st.writeErr, "201606")
	if err := m.Save(ctx); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if m.Dirty() {
		t.Error("month still dirty after Save")
	}
	if len(st.data["201606"]) != 1 {
		t.Errorf("stored %d events", len(st.data["201606"]))
	}
}

func TestReloadDiscardsChanges(t *testing.T) {
	st := newMemStore()
	st.data["201606"] = []model.Event{{Timestamp: at(20, 19, 0), Title: "Carmen"}}
	ctx := context.Background()
	m := newTestSchedule(st).Month(ctx, at(1, 0, 0))
	m.Clear()
	m.Reload(ctx)
	if m.Len() != 1 || m.Dirty() {
		t.Errorf("after Reload len=%d dirty=%v", m.Len(), m.Dirty())
	}
}

func TestSaveAllDirty(t *testing.T) {
	st := newMemStore()
	s := newTestSchedule(st)
	ctx := context.Background()

	june := s.Current(ctx)
	july := s.Next(ctx)
	s.Next(ctx)
	june.Clear()
	july.Clear()
	st.writeErr["201606"] = errors.New("disk full")

	if !s.IsAnyDirty() {
		t.Fatal("IsAnyDirty() = false")
	}
	err := s.SaveAllDirty(ctx)
	if err == nil || !strings.Contains(err.Error(), "201606") {
		t.Fatalf("SaveAllDirty() err = %v, want failure naming 201606", err)
	}
	if !slices.Equal(st.writes, []string{"201606", "201607"}) {
		t.Errorf("writes = %v, want both dirty months attempted in order", st.writes)
	}
	if july.Dirty() || !june.Dirty() {
		t.Errorf("dirty after save: june=%v july=%v", june.Dirty(), july.Dirty())
	}

	delete(st.writeErr, "201606")
	if err := s.SaveAllDirty(ctx); err != nil {
		t.Fatal(err)
	}
	if s.IsAnyDirty() {
		t.Error("IsAnyDirty() = true after successful save")
	}
}

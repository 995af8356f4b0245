package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"theatrecal/internal/app"
	"theatrecal/internal/config"
	"theatrecal/internal/extract"
	"theatrecal/internal/fetch"
	"theatrecal/internal/schedule"
	"theatrecal/internal/store"
)

var testNow = time.Date(2016, 6, 10, 12, 0, 0, 0, time.UTC)

// staticListing is a one-page listing for sync endpoints.
type staticListing struct{ records []extract.Record }

func (l staticListing) Fetch(context.Context, int) (fetch.Page, error) {
	return fetch.Page{StatusCode: 200, Reason: "OK", Body: []byte("page")}, nil
}

func (l staticListing) Extract([]byte) extract.Page {
	return extract.Page{Records: l.records}
}

func newTestServer(t *testing.T, cfg *config.Config, l staticListing) (*Server, store.Store) {
	t.Helper()
	st, err := store.OpenBadger("", store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	sched := schedule.New(st, schedule.WithLocation(time.UTC), schedule.WithClock(func() time.Time { return testNow }))
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return NewServer(cfg, app.New(sched, l, l)), st
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMonth(t *testing.T, rec *httptest.ResponseRecorder) monthResponse {
	t.Helper()
	var resp monthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad JSON %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil, staticListing{})
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCursorEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil, staticListing{})
	h := s.Handler()
	for _, tc := range []struct{ path, want string }{
		{"/api/months/next", "201607"},
		{"/api/months/next", "201608"},
		{"/api/months/previous", "201607"},
		{"/api/months/current", "201606"},
	} {
		rec := do(t, h, http.MethodGet, tc.path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tc.path, rec.Code)
		}
		if got := decodeMonth(t, rec).Key; got != tc.want {
			t.Errorf("%s: key %s, want %s", tc.path, got, tc.want)
		}
	}
}

func TestManualEditLifecycle(t *testing.T) {
	s, st := newTestServer(t, nil, staticListing{})
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/months/201606/events", `{"timestamp":"2016-06-20 19:00","title":"Carmen"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	m := decodeMonth(t, rec)
	if !m.Dirty || len(m.Events) != 1 || m.Events[0].Slot != "201606201900" || !m.Events[0].Manual {
		t.Errorf("after add: %+v", m)
	}

	rec = do(t, h, http.MethodPost, "/api/months/201606/events", `{"timestamp":"2016-06-20 19:00","title":"Aida"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate add: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/months/201606/events", `{"timestamp":"2016-07-01 19:00","title":"Aida"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-month add: %d", rec.Code)
	}

	rec = do(t, h, http.MethodPut, "/api/months/201606/events/201606201900", `{"timestamp":"2016-06-20 19:00","title":"Carmen","attendees":"Smith"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace: %d %s", rec.Code, rec.Body.String())
	}
	if got := decodeMonth(t, rec).Events[0].Attendees; got != "Smith" {
		t.Errorf("attendees = %q", got)
	}

	rec = do(t, h, http.MethodPut, "/api/months/201606/events/201606211900", `{"timestamp":"2016-06-21 19:00","title":"Ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("replace missing: %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/save", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("save: %d %s", rec.Code, rec.Body.String())
	}
	evs, err := st.Read(context.Background(), "201606")
	if err != nil || len(evs) != 1 || evs[0].Attendees != "Smith" {
		t.Errorf("stored %+v, %v", evs, err)
	}

	rec = do(t, h, http.MethodDelete, "/api/months/201606/events/201606201900", "")
	if rec.Code != http.StatusOK || len(decodeMonth(t, rec).Events) != 0 {
		t.Errorf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/months/201606/reload", "")
	if got := decodeMonth(t, rec); got.Dirty || len(got.Events) != 1 {
		t.Errorf("reload: %+v", got)
	}

	rec = do(t, h, http.MethodDelete, "/api/months/201606/events", "")
	if got := decodeMonth(t, rec); !got.Dirty || len(got.Events) != 0 {
		t.Errorf("clear: %+v", got)
	}
}

func TestBadMonthKey(t *testing.T) {
	s, _ := newTestServer(t, nil, staticListing{})
	rec := do(t, s.Handler(), http.MethodGet, "/api/months/2016-06", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestICSExport(t *testing.T) {
	s, _ := newTestServer(t, nil, staticListing{})
	h := s.Handler()
	do(t, h, http.MethodPost, "/api/months/201606/events", `{"timestamp":"2016-06-20T19:00:00Z","title":"Carmen"}`)

	rec := do(t, h, http.MethodGet, "/api/months/201606/calendar.ics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "BEGIN:VCALENDAR") || !strings.Contains(body, "SUMMARY:Carmen") {
		t.Errorf("body = %s", body)
	}
}

func TestSyncEndpoints(t *testing.T) {
	l := staticListing{records: []extract.Record{{
		MonthKey:  "201606",
		Timestamp: time.Date(2016, 6, 20, 19, 0, 0, 0, time.UTC),
		Title:     "Carmen",
	}}}
	s, _ := newTestServer(t, nil, l)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusAccepted && rec.Code != http.StatusConflict {
		t.Fatalf("start: %d", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	var resp syncResponse
	for {
		rec = do(t, h, http.MethodGet, "/api/sync", "")
		resp = syncResponse{}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Last != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sync never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if resp.Last.Outcome != "completed" || len(resp.Last.Reports) != 1 {
		t.Fatalf("last = %+v", resp.Last)
	}
	if d := resp.Last.Reports[0].Changes[0].Description; d != "Added:   20 Mon 19:00 Carmen" {
		t.Errorf("description = %q", d)
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	s, _ := newTestServer(t, cfg, staticListing{})
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health without auth: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/months/current", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/months/current", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with credentials: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, staticListing{})
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "theatrecal_") {
		t.Errorf("metrics: %d", rec.Code)
	}
}

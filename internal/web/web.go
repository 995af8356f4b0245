package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"theatrecal/internal/app"
	"theatrecal/internal/config"
	"theatrecal/internal/ics"
	appLog "theatrecal/internal/log"
	"theatrecal/internal/model"
	"theatrecal/internal/schedule"
)

// slotLayout identifies an event in URLs.
const slotLayout = "200601021504"

// maxBodyBytes caps manual edit payloads.
const maxBodyBytes = 64 << 10

// Server provides the HTTP API over the schedule.
type Server struct {
	cfg    *config.Config
	app    *app.App
	router chi.Router

	shutdownTimeout time.Duration
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, a *app.App) *Server {
	s := &Server{
		cfg:             cfg,
		app:             a,
		router:          chi.NewRouter(),
		shutdownTimeout: 10 * time.Second,
	}
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Serve listens on cfg.Listen until ctx is canceled, then shuts down
// gracefully. It is a suture service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string { return "http-server" }

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="theatrecal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/months/current", s.handleCursor((*schedule.Schedule).Current))
		r.Get("/months/next", s.handleCursor((*schedule.Schedule).Next))
		r.Get("/months/previous", s.handleCursor((*schedule.Schedule).Previous))

		r.Route("/months/{key}", func(r chi.Router) {
			r.Get("/", s.handleMonth)
			r.Get("/calendar.ics", s.handleICS)
			r.Post("/reload", s.handleReload)
			r.Post("/events", s.handleAddEvent)
			r.Delete("/events", s.handleClear)
			r.Put("/events/{slot}", s.handleReplaceEvent)
			r.Delete("/events/{slot}", s.handleDeleteEvent)
		})

		r.Post("/save", s.handleSave)
		r.Get("/sync", s.handleSyncStatus)
		r.Post("/sync", s.handleSyncStart)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCursor serves one of the cursor navigation endpoints.
func (s *Server) handleCursor(move func(*schedule.Schedule, context.Context) *schedule.Month) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp monthResponse
		_ = s.app.Do(func(sc *schedule.Schedule) error {
			resp = newMonthResponse(move(sc, r.Context()))
			return nil
		})
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleMonth(w http.ResponseWriter, r *http.Request) {
	s.withMonth(w, r, http.StatusOK, func(*schedule.Month) error { return nil })
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.withMonth(w, r, http.StatusOK, func(m *schedule.Month) error {
		m.Reload(r.Context())
		return nil
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.withMonth(w, r, http.StatusOK, func(m *schedule.Month) error {
		m.Clear()
		return nil
	})
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	req, err := decodeEvent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.withMonth(w, r, http.StatusCreated, func(m *schedule.Month) error {
		ev, err := req.event(m.Anchor().Location())
		if err != nil {
			return err
		}
		return m.Add(ev)
	})
}

func (s *Server) handleReplaceEvent(w http.ResponseWriter, r *http.Request) {
	req, err := decodeEvent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.withMonth(w, r, http.StatusOK, func(m *schedule.Month) error {
		existing, err := s.findSlot(m, chi.URLParam(r, "slot"))
		if err != nil {
			return err
		}
		ev, err := req.event(m.Anchor().Location())
		if err != nil {
			return err
		}
		// An edited remote event keeps its fingerprint so the next sync
		// does not report it as changed back.
		ev.Fingerprint = existing.Fingerprint
		return m.Replace(existing, ev)
	})
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	s.withMonth(w, r, http.StatusOK, func(m *schedule.Month) error {
		existing, err := s.findSlot(m, chi.URLParam(r, "slot"))
		if err != nil {
			return err
		}
		return m.Delete(existing)
	})
}

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	var events []model.Event
	var name string
	err := s.app.Do(func(sc *schedule.Schedule) error {
		m, err := sc.MonthByKey(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			return err
		}
		events = m.Events()
		name = m.Anchor().Format("January 2006")
		return nil
	})
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	if err := ics.ExportMonth(w, events, ics.Options{Name: name}); err != nil {
		appLog.Error("ics export failed", err, "key", chi.URLParam(r, "key"))
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	err := s.app.Save(r.Context())
	var dirty int
	_ = s.app.Do(func(sc *schedule.Schedule) error {
		dirty = sc.DirtyCount()
		return nil
	})
	if err != nil {
		appLog.Error("api save failed", err)
		writeJSON(w, http.StatusInternalServerError, saveResponse{Dirty: dirty, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, saveResponse{Dirty: dirty})
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request.
	if !s.app.Sync(context.WithoutCancel(r.Context())) {
		writeError(w, http.StatusConflict, "sync already running")
		return
	}
	writeJSON(w, http.StatusAccepted, syncResponse{State: s.app.State().String()})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	resp := syncResponse{State: s.app.State().String()}
	if last := s.app.LastStatus(); !last.Finished.IsZero() {
		resp.Last = newStatusDTO(last)
	}
	writeJSON(w, http.StatusOK, resp)
}

// withMonth runs fn on the month named by the {key} URL parameter and
// answers with the month's state afterwards.
func (s *Server) withMonth(w http.ResponseWriter, r *http.Request, status int, fn func(*schedule.Month) error) {
	var resp monthResponse
	err := s.app.Do(func(sc *schedule.Schedule) error {
		m, err := sc.MonthByKey(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		resp = newMonthResponse(m)
		return nil
	})
	if err != nil {
		writeScheduleError(w, err)
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) findSlot(m *schedule.Month, slot string) (model.Event, error) {
	ts, err := time.ParseInLocation(slotLayout, slot, m.Anchor().Location())
	if err != nil {
		return model.Event{}, &model.ValidationError{Field: "slot", Reason: fmt.Sprintf("%q is not YYYYMMDDHHMM", slot)}
	}
	ev, ok := m.Find(ts)
	if !ok {
		return model.Event{}, schedule.ErrEventNotFound
	}
	return ev, nil
}

func writeScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schedule.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	default:
		appLog.Error("api request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// eventRequest is the body of manual add/replace calls.
type eventRequest struct {
	// Timestamp is RFC 3339 or "2006-01-02 15:04" in the configured zone.
	Timestamp string `json:"timestamp"`
	Title     string `json:"title"`
	Attendees string `json:"attendees"`
}

func decodeEvent(r *http.Request) (eventRequest, error) {
	var req eventRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	return req, nil
}

func (req eventRequest) event(loc *time.Location) (model.Event, error) {
	ev := model.Event{Title: req.Title, Attendees: strings.TrimSpace(req.Attendees)}
	raw := strings.TrimSpace(req.Timestamp)
	if raw == "" {
		return ev, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		ev.Timestamp = t
		return ev, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", raw, loc)
	if err != nil {
		return ev, &model.ValidationError{Field: "timestamp", Reason: fmt.Sprintf("cannot parse %q", raw)}
	}
	ev.Timestamp = t
	return ev, nil
}

// eventDTO is a JSON-friendly view of an event.
type eventDTO struct {
	Slot      string    `json:"slot"`
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title"`
	Attendees string    `json:"attendees,omitempty"`
	Manual    bool      `json:"manual"`
}

// monthResponse is the JSON response shape for month endpoints.
type monthResponse struct {
	Key    string     `json:"key"`
	Title  string     `json:"title"`
	Dirty  bool       `json:"dirty"`
	Events []eventDTO `json:"events"`
}

func newMonthResponse(m *schedule.Month) monthResponse {
	resp := monthResponse{
		Key:    m.Key(),
		Title:  m.Anchor().Format("January 2006"),
		Dirty:  m.Dirty(),
		Events: make([]eventDTO, 0, m.Len()),
	}
	for ev := range m.All() {
		resp.Events = append(resp.Events, eventDTO{
			Slot:      ev.Timestamp.Format(slotLayout),
			Timestamp: ev.Timestamp,
			Title:     ev.Title,
			Attendees: ev.Attendees,
			Manual:    ev.Manual(),
		})
	}
	return resp
}

type saveResponse struct {
	Dirty int    `json:"dirty"`
	Error string `json:"error,omitempty"`
}

type changeDTO struct {
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	Title       string    `json:"title"`
	OldTitle    string    `json:"old_title,omitempty"`
	Description string    `json:"description"`
}

type reportDTO struct {
	Key     string      `json:"key"`
	Changes []changeDTO `json:"changes"`
}

type statusDTO struct {
	Outcome  string      `json:"outcome"`
	Started  time.Time   `json:"started"`
	Finished time.Time   `json:"finished"`
	Fetched  int         `json:"fetched"`
	Summary  string      `json:"summary"`
	Reports  []reportDTO `json:"reports"`
	Error    string      `json:"error,omitempty"`
}

type syncResponse struct {
	State string     `json:"state"`
	Last  *statusDTO `json:"last,omitempty"`
}

func newStatusDTO(st app.Status) *statusDTO {
	out := &statusDTO{
		Outcome:  st.Outcome.String(),
		Started:  st.Started,
		Finished: st.Finished,
		Fetched:  st.Fetched,
		Summary:  st.Summary,
		Reports:  make([]reportDTO, 0, len(st.Reports)),
		Error:    st.Err,
	}
	for _, r := range st.Reports {
		rd := reportDTO{Key: r.Key, Changes: make([]changeDTO, 0, len(r.Changes))}
		for _, c := range r.Changes {
			rd.Changes = append(rd.Changes, changeDTO{
				Kind:        c.Kind.String(),
				Timestamp:   c.Timestamp,
				Title:       c.Title,
				OldTitle:    c.OldTitle,
				Description: c.String(),
			})
		}
		out.Reports = append(out.Reports, rd)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

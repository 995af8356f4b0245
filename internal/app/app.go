// Package app wires the sync engine to the month cache.
//
// App is the single writer: every read or mutation of the Schedule, whether
// it comes from the HTTP surface or from a finished sync run, happens under
// one mutex.
package app

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"theatrecal/internal/extract"
	"theatrecal/internal/fetch"
	appLog "theatrecal/internal/log"
	"theatrecal/internal/metrics"
	"theatrecal/internal/model"
	"theatrecal/internal/schedule"
	"theatrecal/internal/syncer"
)

// ErrSyncRunning is returned by SyncNow when a run is already in flight.
var ErrSyncRunning = errors.New("app: sync already running")

// Status describes the most recent finished run.
type Status struct {
	Outcome  syncer.State
	Started  time.Time
	Finished time.Time
	// Fetched is the number of records the run returned.
	Fetched  int
	Summary  string
	Reports  []schedule.ChangeReport
	// Err is the failure reason, or a save error after a completed run.
	Err      string
}

// App owns the schedule and the engine that feeds it.
type App struct {
	mu       sync.Mutex
	sched    *schedule.Schedule
	engine   *syncer.Engine
	notifier Notifier
	save     bool
	last     Status
	started  time.Time
}

// Option customizes an App.
type Option func(*App)

// WithNotifier replaces the default LogNotifier.
func WithNotifier(n Notifier) Option {
	return func(a *App) {
		if n != nil {
			a.notifier = n
		}
	}
}

// WithSaveAfterMerge writes merged months as soon as a run completes.
func WithSaveAfterMerge(save bool) Option {
	return func(a *App) { a.save = save }
}

// New builds an App. The engine is created here so its outcome callbacks
// land in the App.
func New(sched *schedule.Schedule, f fetch.Fetcher, x extract.Extractor, opts ...Option) *App {
	a := &App{
		sched:    sched,
		notifier: LogNotifier{},
	}
	for _, o := range opts {
		o(a)
	}
	a.engine = syncer.New(f, x,
		syncer.OnStarted(a.begin),
		syncer.OnCompleted(a.completed),
		syncer.OnFailed(a.failed),
	)
	return a
}

// Sync starts a background run bounded by ctx. It returns false if a run is
// already in flight.
func (a *App) Sync(ctx context.Context) bool {
	return a.engine.Start(ctx)
}

// SyncNow runs a sync on the calling goroutine and returns its status once
// the result has been merged.
func (a *App) SyncNow(ctx context.Context) (Status, error) {
	_, started, err := a.engine.Run(ctx)
	if !started {
		return Status{}, ErrSyncRunning
	}
	return a.LastStatus(), err
}

// State returns the engine state.
func (a *App) State() syncer.State {
	return a.engine.State()
}

// LastStatus returns the status of the most recent finished run.
func (a *App) LastStatus() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.last
	st.Reports = slices.Clone(st.Reports)
	return st
}

// Do runs fn with exclusive access to the schedule.
func (a *App) Do(fn func(*schedule.Schedule) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.observeDirty()
	return fn(a.sched)
}

// Save writes every dirty month.
func (a *App) Save(ctx context.Context) error {
	return a.Do(func(s *schedule.Schedule) error {
		return s.SaveAllDirty(ctx)
	})
}

// Shutdown saves every dirty month before exit.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	dirty := a.sched.DirtyCount()
	a.mu.Unlock()
	if dirty == 0 {
		return nil
	}
	appLog.Info("saving unsaved months before exit", "months", dirty)
	return a.Save(ctx)
}

func (a *App) completed(ctx context.Context, res syncer.Result) {
	st := a.merge(ctx, res)
	a.notifier.Completed(st.Summary, st.Reports)
}

// merge applies a run's result month by month in ascending key order.
func (a *App) merge(ctx context.Context, res syncer.Result) Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.observeDirty()

	var reports []schedule.ChangeReport
	var errs []error
	for _, key := range slices.Sorted(maps.Keys(res)) {
		r, err := a.sched.Merge(ctx, key, res[key])
		if err != nil {
			appLog.Error("merge skipped", err, "key", key)
			errs = append(errs, err)
			continue
		}
		if r.HasChanges() {
			reports = append(reports, r)
		}
	}
	if a.save && len(reports) > 0 {
		if err := a.sched.SaveAllDirty(ctx); err != nil {
			appLog.Error("saving merged months failed", err)
			errs = append(errs, err)
		}
	}

	summary := Summary(reports, res.Len(), a.sched.Location())
	a.last = Status{
		Outcome:  syncer.Completed,
		Started:  a.started,
		Finished: a.sched.Now(),
		Fetched:  res.Len(),
		Summary:  summary,
		Reports:  reports,
	}
	if err := errors.Join(errs...); err != nil {
		a.last.Err = err.Error()
	}
	return a.last
}

func (a *App) begin(context.Context) {
	a.mu.Lock()
	a.started = a.sched.Now()
	a.mu.Unlock()
}

func (a *App) failed(_ context.Context, reason string) {
	a.mu.Lock()
	a.last = Status{
		Outcome:  syncer.Failed,
		Started:  a.started,
		Finished: a.sched.Now(),
		Summary:  FailureSummary(reason),
		Err:      reason,
	}
	a.mu.Unlock()
	a.notifier.Failed(reason)
}

func (a *App) observeDirty() {
	metrics.DirtyMonths.Set(float64(a.sched.DirtyCount()))
}

// Summary renders the human-readable outcome of a completed run. Reports are
// expected in ascending month order.
func Summary(reports []schedule.ChangeReport, fetched int, loc *time.Location) string {
	switch {
	case len(reports) > 0:
		var b strings.Builder
		b.WriteString("Schedule has been successfully updated")
		for _, r := range reports {
			b.WriteString("\n\n")
			b.WriteString(monthTitle(r.Key, loc))
			for _, d := range r.Descriptions() {
				b.WriteString("\n")
				b.WriteString(d)
			}
		}
		return b.String()
	case fetched > 0:
		return "Schedule is up to date"
	default:
		return "Schedule on the server is empty"
	}
}

// FailureSummary renders a failed run.
func FailureSummary(reason string) string {
	return "An error has occurred when updating: " + reason
}

func monthTitle(key string, loc *time.Location) string {
	t, err := model.ParseMonthKey(key, loc)
	if err != nil {
		return key
	}
	return t.Format("January 2006")
}

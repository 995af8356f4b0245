// Package syncer drives one synchronization run against the remote listing:
// it fetches pages strictly in sequence, extracts records, fingerprints them
// and groups them by month. It never touches the month cache; reconciling
// the result is the caller's job.
package syncer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"theatrecal/internal/extract"
	"theatrecal/internal/fetch"
	appLog "theatrecal/internal/log"
	"theatrecal/internal/metrics"
	"theatrecal/internal/model"
)

// State of an Engine.
type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result maps month keys to the fingerprinted events fetched for them, in
// listing order.
type Result map[string][]model.Event

// Len returns the total number of events across months.
func (r Result) Len() int {
	n := 0
	for _, evs := range r {
		n += len(evs)
	}
	return n
}

// ProtocolError is a non-200 answer from the listing host.
type ProtocolError struct {
	StatusCode int
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("HTTP status %d", e.StatusCode)
}

// fingerprintLayout is the canonical timestamp form hashed with the title.
const fingerprintLayout = "2006.01.02 15:04"

// FingerprintOf digests the canonical "YYYY.MM.DD HH:MM" form of ts followed
// by the title.
func FingerprintOf(ts time.Time, title string) model.Fingerprint {
	sum := xxhash.Sum64String(ts.Format(fingerprintLayout) + title)
	fp := make(model.Fingerprint, 8)
	binary.BigEndian.PutUint64(fp, sum)
	return fp
}

// Engine runs at most one synchronization at a time.
type Engine struct {
	fetcher   fetch.Fetcher
	extractor extract.Extractor

	onStarted   func(context.Context)
	onCompleted func(context.Context, Result)
	onFailed    func(ctx context.Context, reason string)

	mu     sync.Mutex
	state  State
	result Result
	err    error
}

// Option customizes an Engine.
type Option func(*Engine)

// OnStarted registers the callback invoked on the run's goroutine before the
// first page is fetched.
func OnStarted(fn func(context.Context)) Option {
	return func(e *Engine) { e.onStarted = fn }
}

// OnCompleted registers the callback invoked after a successful run.
func OnCompleted(fn func(context.Context, Result)) Option {
	return func(e *Engine) { e.onCompleted = fn }
}

// OnFailed registers the callback invoked after a failed run with a
// human-readable reason.
func OnFailed(fn func(ctx context.Context, reason string)) Option {
	return func(e *Engine) { e.onFailed = fn }
}

// New builds an idle engine.
func New(f fetch.Fetcher, x extract.Extractor, opts ...Option) *Engine {
	e := &Engine{fetcher: f, extractor: x}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Result returns the records of the last completed run, or nil.
func (e *Engine) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Err returns the failure of the last run, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Start begins a run on its own goroutine. It returns false without doing
// anything if a run is already in flight. Outcome is delivered through the
// OnCompleted/OnFailed callbacks on that goroutine.
func (e *Engine) Start(ctx context.Context) bool {
	if !e.begin() {
		return false
	}
	go e.run(ctx)
	return true
}

// Run performs a run synchronously. If one is already in flight it returns
// (nil, false, nil).
func (e *Engine) Run(ctx context.Context) (Result, bool, error) {
	if !e.begin() {
		return nil, false, nil
	}
	res, err := e.run(ctx)
	return res, true, err
}

func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		metrics.SyncRuns.WithLabelValues("rejected").Inc()
		appLog.Info("sync already running; start ignored")
		return false
	}
	e.state = Running
	e.result = nil
	e.err = nil
	return true
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	started := time.Now()
	appLog.Info("sync started")
	if e.onStarted != nil {
		e.onStarted(ctx)
	}

	res, err := e.collect(ctx)
	metrics.SyncDuration.Observe(time.Since(started).Seconds())

	e.mu.Lock()
	if err != nil {
		e.state = Failed
		e.err = err
	} else {
		e.state = Completed
		e.result = res
	}
	e.mu.Unlock()

	if err != nil {
		metrics.SyncRuns.WithLabelValues("failed").Inc()
		appLog.Error("sync failed", err, "elapsed", time.Since(started))
		if e.onFailed != nil {
			e.onFailed(ctx, err.Error())
		}
		return nil, err
	}

	metrics.SyncRuns.WithLabelValues("completed").Inc()
	appLog.Info("sync completed", "months", len(res), "events", res.Len(), "elapsed", time.Since(started))
	if e.onCompleted != nil {
		e.onCompleted(ctx, res)
	}
	return res, nil
}

// collect walks the listing from the first page until a page has no next link.
func (e *Engine) collect(ctx context.Context) (Result, error) {
	res := make(Result)
	start := 0
	pages := 0
	seen := map[int]bool{}
	for {
		seen[start] = true
		page, err := e.fetcher.Fetch(ctx, start)
		if err != nil {
			return nil, err
		}
		if !page.OK() {
			return nil, &ProtocolError{StatusCode: page.StatusCode, Reason: page.Reason}
		}
		pages++

		extracted := e.extractor.Extract(page.Body)
		for _, rec := range extracted.Records {
			ev := model.Event{
				Timestamp:   rec.Timestamp.Truncate(time.Minute),
				Title:       rec.Title,
				Fingerprint: FingerprintOf(rec.Timestamp, rec.Title),
			}
			res[rec.MonthKey] = append(res[rec.MonthKey], ev)
		}
		appLog.Debug("sync page processed", "start", start, "records", len(extracted.Records), "has_next", extracted.HasNext)

		if !extracted.HasNext {
			appLog.Debug("sync reached last page", "pages", pages)
			return res, nil
		}
		if seen[extracted.Next] {
			// A pager pointing back at a visited page would loop forever.
			appLog.Warn("sync pager revisits a page; stopping", "start", extracted.Next)
			return res, nil
		}
		start = extracted.Next
	}
}

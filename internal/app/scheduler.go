package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "theatrecal/internal/log"
)

// Scheduler triggers App.Sync on a fixed interval. It is a suture service.
type Scheduler struct {
	app      *App
	every    time.Duration
	runFirst bool
}

// NewScheduler returns a scheduler firing every interval, rounded down to
// whole seconds. If runFirst is set a sync also starts as soon as Serve does.
func NewScheduler(a *App, every time.Duration, runFirst bool) *Scheduler {
	if every < time.Second {
		every = time.Second
	}
	return &Scheduler{app: a, every: every.Truncate(time.Second), runFirst: runFirst}
}

// Spec returns the cron schedule expression.
func (s *Scheduler) Spec() string {
	return fmt.Sprintf("@every %ds", int(s.every/time.Second))
}

// Serve runs the cron loop until ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{}))
	if _, err := c.AddFunc(s.Spec(), func() { s.trigger(ctx) }); err != nil {
		return fmt.Errorf("schedule sync: %w", err)
	}
	appLog.Info("sync scheduler started", "spec", s.Spec())
	if s.runFirst {
		s.trigger(ctx)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("sync scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) String() string {
	return "sync-scheduler"
}

func (s *Scheduler) trigger(ctx context.Context) {
	if !s.app.Sync(ctx) {
		appLog.Debug("scheduled sync skipped; previous run still in flight")
	}
}

// cronLogger routes cron's own messages into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

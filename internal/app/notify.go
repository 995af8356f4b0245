package app

import (
	"errors"

	appLog "theatrecal/internal/log"
	"theatrecal/internal/schedule"
)

// Notifier is told the outcome of every finished run.
type Notifier interface {
	Completed(summary string, reports []schedule.ChangeReport)
	Failed(reason string)
}

// LogNotifier writes outcomes to the application log.
type LogNotifier struct{}

func (LogNotifier) Completed(summary string, reports []schedule.ChangeReport) {
	changes := 0
	for _, r := range reports {
		changes += len(r.Changes)
	}
	appLog.Info("sync outcome", "summary", summary, "months", len(reports), "changes", changes)
}

func (LogNotifier) Failed(reason string) {
	appLog.Error("sync outcome", errors.New(reason), "summary", FailureSummary(reason))
}

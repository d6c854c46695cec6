// Package report defines the error-reporting contract shared by the retry
// executor and the periodic task runner.
//
// Both components hand every failure they catch to a Reporter. A Reporter is a
// sink: it may log, persist, or forward the failure, but it never returns an
// error to the caller, so a broken sink cannot break a retry loop or a schedule.
package report

import (
	"context"
	"log/slog"
	"time"
)

// Source identifies which component caught a failure.
type Source string

const (
	// SourceRetry marks failures caught by the retry executor.
	SourceRetry Source = "retry"
	// SourceScheduler marks failures caught by the periodic task runner.
	SourceScheduler Source = "scheduler"
)

// Failure is a single caught failure.
type Failure struct {
	// Source is the component that caught the failure.
	Source Source
	// ID is the operation ID (retry) or handle ID (scheduler).
	ID string
	// Name is an optional human-readable name of the operation or task.
	Name string
	// Attempt is the attempt number (retry) or the run number (scheduler).
	Attempt int
	// Err is the failure itself.
	Err error
	// Time is when the failure was caught.
	Time time.Time
}

// Reporter receives caught failures.
type Reporter interface {
	Report(ctx context.Context, f Failure)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, f Failure)

// Report implements Reporter.
func (fn ReporterFunc) Report(ctx context.Context, f Failure) {
	fn(ctx, f)
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, Failure) {}

// Nop returns a Reporter that discards everything.
func Nop() Reporter {
	return nopReporter{}
}

type multiReporter []Reporter

func (m multiReporter) Report(ctx context.Context, f Failure) {
	for _, r := range m {
		r.Report(ctx, f)
	}
}

// Multi fans a failure out to every non-nil reporter in order.
func Multi(reporters ...Reporter) Reporter {
	out := make(multiReporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// LogReporter writes failures to a slog.Logger at error level.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter. A nil logger falls back to slog.Default().
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (r *LogReporter) Report(ctx context.Context, f Failure) {
	r.logger.LogAttrs(ctx, slog.LevelError, "failure reported",
		slog.String("source", string(f.Source)),
		slog.String("id", f.ID),
		slog.String("name", f.Name),
		slog.Int("attempt", f.Attempt),
		slog.Any("error", f.Err),
		slog.Time("timestamp", f.Time),
	)
}

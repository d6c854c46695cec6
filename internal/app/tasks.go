package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"taskrunner/internal/adapter/journal"
	"taskrunner/internal/adapter/scheduler"
	"taskrunner/internal/config"
	"taskrunner/internal/platform/metrics"
	"taskrunner/internal/shared"
	"taskrunner/pkg/report"
	"taskrunner/pkg/retry"
)

// Built-in task names. They are also the keys of the tasks file.
const (
	TaskHeartbeat    = "heartbeat"
	TaskJournalPrune = "journal-prune"
	TaskJournalProbe = "journal-probe"
)

const probePingTimeout = 5 * time.Second

// builtinTask is a task registered at startup before overrides are applied.
type builtinTask struct {
	name    string
	policy  scheduler.Policy
	timeout time.Duration
	run     scheduler.Task
}

// taskDeps is what the built-in tasks need from the host.
type taskDeps struct {
	logger    *slog.Logger
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	reporter  report.Reporter
	journal   journal.Journal
	retention time.Duration
	overrides map[string]config.TaskConfig
}

// registerTasks schedules the built-in tasks on s. Journal tasks are skipped
// when no journal is configured; tasks disabled in the tasks file are skipped too.
func registerTasks(s *scheduler.Scheduler, d taskDeps) ([]*scheduler.Handle, error) {
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}

	started := d.clock.Now()
	tasks := []builtinTask{{
		name:   TaskHeartbeat,
		policy: scheduler.MustPolicy(scheduler.FixedRate(30 * time.Second)),
		run:    heartbeatTask(s, d.logger, d.clock, started),
	}}

	if d.journal != nil {
		tasks = append(tasks,
			builtinTask{
				name:    TaskJournalPrune,
				policy:  scheduler.MustPolicy(scheduler.Cron("0 * * * *")),
				timeout: time.Minute,
				run:     pruneTask(d.journal, d.retention, d.clock, d.logger),
			},
		)

		probePolicy := probeRetryPolicy(d.reporter, d.metrics, d.clock)
		if o, ok := d.overrides[TaskJournalProbe]; ok {
			probePolicy = retryPolicyFor(probePolicy, o.Retry)
		}
		probe := newJournalProbe(d.journal, probePolicy, d.metrics, d.logger)
		tasks = append(tasks, builtinTask{
			name:   TaskJournalProbe,
			policy: scheduler.MustPolicy(scheduler.FixedDelay(time.Minute)),
			run:    probe.Run,
		})
	}

	known := make(map[string]bool, len(tasks))
	handles := make([]*scheduler.Handle, 0, len(tasks))
	for _, t := range tasks {
		known[t.name] = true

		o := d.overrides[t.name]
		if o.Disabled {
			d.logger.Info("task disabled by tasks file", "task", t.name)
			continue
		}

		policy, err := policyFor(t.policy, o)
		if err != nil {
			return handles, fmt.Errorf("task %q: %w", t.name, err)
		}
		timeout := t.timeout
		if o.Timeout > 0 {
			timeout = o.Timeout
		}

		h, err := s.ScheduleWithOptions(t.run, policy, scheduler.TaskOptions{Name: t.name, Timeout: timeout})
		if err != nil {
			return handles, fmt.Errorf("schedule %q: %w", t.name, err)
		}
		handles = append(handles, h)
	}

	for name := range d.overrides {
		if !known[name] {
			d.logger.Warn("tasks file mentions an unknown task", "task", name)
		}
	}
	return handles, nil
}

// policyFor applies a tasks file override to the built-in policy def.
func policyFor(def scheduler.Policy, o config.TaskConfig) (scheduler.Policy, error) {
	switch {
	case o.FixedRate > 0 && o.InitialDelay > 0:
		return scheduler.InitialDelayThenFixedRate(o.InitialDelay, o.FixedRate)
	case o.FixedRate > 0:
		return scheduler.FixedRate(o.FixedRate)
	case o.FixedDelay > 0:
		return scheduler.FixedDelay(o.FixedDelay)
	case o.Cron != "":
		return scheduler.Cron(o.Cron)
	default:
		return def, nil
	}
}

// retryPolicyFor applies a tasks file override to the retry policy def.
func retryPolicyFor(def retry.Policy, o *config.RetryConfig) retry.Policy {
	if o == nil {
		return def
	}
	p := def
	p.MaxAttempts = o.MaxAttempts
	p.InitialDelay = o.InitialDelay
	if o.Multiplier > 0 {
		p.Multiplier = o.Multiplier
	}
	if o.MaxDelay > 0 {
		p.MaxDelay = o.MaxDelay
	}
	return p
}

func heartbeatTask(s *scheduler.Scheduler, logger *slog.Logger, clock clockwork.Clock, started time.Time) scheduler.Task {
	return func(ctx context.Context) error {
		logger.InfoContext(ctx, "heartbeat",
			"uptime", clock.Since(started).Round(time.Second),
			"tasks", len(s.Handles()),
		)
		return nil
	}
}

// pruneTask removes journal entries older than retention.
func pruneTask(j journal.Journal, retention time.Duration, clock clockwork.Clock, logger *slog.Logger) scheduler.Task {
	return func(ctx context.Context) error {
		cutoff := clock.Now().Add(-retention)
		removed, err := j.Prune(ctx, cutoff)
		if err != nil {
			return err
		}
		if removed > 0 {
			logger.InfoContext(ctx, "journal pruned", "removed", removed, "cutoff", cutoff)
		}
		return nil
	}
}

// ProbeStatus is the outcome of the last journal probe.
type ProbeStatus string

const (
	ProbeUnknown  ProbeStatus = "unknown"
	ProbeHealthy  ProbeStatus = "healthy"
	ProbeDegraded ProbeStatus = "degraded"
)

// probeRetryPolicy retries dependency failures and timeouts with exponential backoff.
func probeRetryPolicy(reporter report.Reporter, m *metrics.Metrics, clock clockwork.Clock) retry.Policy {
	return retry.Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
		RetryOn:      []error{shared.ErrDependencyFailure},
		Retryable:    shared.IsTimeout,
		Reporter:     reporter,
		Clock:        clock,
		OnRetry: func(int, error, time.Duration) {
			if m != nil {
				m.ObserveRetry(TaskJournalProbe)
			}
		},
	}
}

// journalProbe pings the journal. Running out of attempts marks the journal
// degraded instead of failing the task.
type journalProbe struct {
	journal  journal.Journal
	policy   retry.Policy
	recovery *retry.Recovery[ProbeStatus]
	logger   *slog.Logger
	status   atomic.Value
}

func newJournalProbe(j journal.Journal, policy retry.Policy, m *metrics.Metrics, logger *slog.Logger) *journalProbe {
	p := &journalProbe{journal: j, policy: policy, logger: logger}
	p.status.Store(ProbeUnknown)
	p.recovery = retry.Recover(func(ctx context.Context, err error) (ProbeStatus, error) {
		if m != nil {
			m.ObserveExhausted(TaskJournalProbe)
		}
		logger.WarnContext(ctx, "journal unreachable, marking degraded",
			"kind", shared.KindOf(err), "error", err)
		return ProbeDegraded, nil
	})
	return p
}

// Run is the scheduler task.
func (p *journalProbe) Run(ctx context.Context) error {
	status, err := retry.Execute(ctx, p.policy, p.ping, p.recovery, retry.WithOperationName(TaskJournalProbe))
	if err != nil {
		return err
	}

	if prev := p.Status(); prev != status {
		p.logger.InfoContext(ctx, "journal status changed", "from", prev, "to", status)
	}
	p.status.Store(status)
	return nil
}

func (p *journalProbe) ping(ctx context.Context) (ProbeStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, probePingTimeout)
	defer cancel()

	if err := p.journal.Ping(ctx); err != nil {
		return ProbeUnknown, err
	}
	return ProbeHealthy, nil
}

// Status returns the outcome of the last completed probe.
func (p *journalProbe) Status() ProbeStatus {
	return p.status.Load().(ProbeStatus)
}

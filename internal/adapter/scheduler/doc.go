// Package scheduler runs periodic tasks under explicit schedule policies.
//
// Features:
//   - Fixed-rate, fixed-delay, initial-delay-then-fixed-rate and cron policies
//   - Five-field cron expressions parsed with github.com/robfig/cron/v3
//   - Handles with state (Pending, Running, Cancelled), next fire time and run counters
//   - A task never overlaps itself; missed fixed-rate slots are coalesced
//   - Optional bound on concurrently running tasks (MaxConcurrent)
//   - Per-task timeouts and names
//   - Parent context support for lifecycle management
//   - Graceful shutdown with optional deadline (StopContext)
//   - Errors and panics are recovered, logged and reported, the schedule continues
//   - Optional hooks for observability
//   - Injectable clock (clockwork) for deterministic tests
//
// Basic usage:
//
//	s := scheduler.New(scheduler.Config{Logger: logger, Reporter: reporter})
//
//	policy, err := scheduler.FixedRate(30 * time.Second)
//	if err != nil {
//		return err
//	}
//	h, err := s.ScheduleWithOptions(func(ctx context.Context) error {
//		return nil
//	}, policy, scheduler.TaskOptions{Name: "heartbeat", Timeout: 5 * time.Second})
//
//	s.Start()
//	defer s.Stop()
//
//	h.Cancel()
//
// Next fire time by policy:
//   - FixedRate(p): previous scheduled time + p. If the body overran, the
//     latest missed slot fires immediately and older ones are dropped.
//   - FixedDelay(p): completion of the previous run + p.
//   - InitialDelayThenFixedRate(d, p): registration + d, then FixedRate(p).
//   - Cron(expr): first match strictly after the previous run completed.
//
// Cron examples:
//   - "*/5 * * * *" - every 5 minutes
//   - "0 9 * * 1-5" - weekdays at 9:00
//   - "@daily" - every day at midnight
//   - "CRON_TZ=UTC 0 3 * * *" - 03:00 UTC
//
// Cancelling a pending task removes it from the queue. Cancelling a running
// task lets the current run finish and schedules nothing after it.
package scheduler

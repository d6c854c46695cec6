// Package retry re-invokes fallible operations with backoff, classifies
// failures as retryable or not, and dispatches exhausted failures to
// recovery handlers selected by failure kind.
//
// Key Features:
//   - Exact backoff: InitialDelay * Multiplier^(attempt-1), optionally capped
//   - Retryable failure kinds (errors.Is) and/or a predicate
//   - Recovery handlers per failure kind, most specific kind wins
//   - Optional overall time budget (MaxElapsedTime)
//   - Optional jitter strategies (None, Equal, Decorrelated)
//   - Failure reporting through report.Reporter
//   - Injectable clock for tests (clockwork)
//
// Basic Usage:
//
//	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
//	    return someNetworkOperation()
//	})
//
// With a result and recovery:
//
//	policy := retry.Policy{
//	    MaxAttempts:  3,
//	    InitialDelay: 2 * time.Second,
//	    Multiplier:   1.5,
//	    RetryOn:      []error{ErrUnavailable},
//	}
//	recovery := retry.NewRecovery[string]().
//	    On(ErrUnavailable, func(ctx context.Context, err error) (string, error) {
//	        return "fallback", nil
//	    })
//	out, err := retry.Execute(ctx, policy, fetch, recovery)
//
// Attempts are spaced 0, 2s and 3s apart in the example above. A failure that
// is not retryable is returned on the spot and never reaches recovery. When
// attempts run out and no handler matches, Execute returns *ExhaustedError
// rather than the last failure; use errors.Is or errors.As to reach it.
package retry

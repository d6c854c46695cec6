// Package shared contains common error types and utilities for error handling
// across the application without domain-specific logic.
//
// # Error Types and Classification
//
//   - ErrValidation: invalid input, configuration or policy
//   - ErrTimeout: operation timed out
//   - ErrDependencyFailure: external dependency (database, network) failed
//   - ErrInternal: internal error
//
// Use KindOf() to classify errors into categories:
//
//	switch shared.KindOf(err) {
//	case shared.KindValidation:
//	    // reject at registration time
//	case shared.KindDependencyFailure:
//	    // worth retrying
//	}
//
// # Kind Priority Table
//
// When multiple error kinds are present (e.g., with errors.Join), KindOf returns the highest priority kind:
//
//	Priority | Kind                  | Description
//	---------|-----------------------|--------------------
//	1        | KindCanceled          | Context cancellation (highest)
//	2        | KindTimeout           | Timeout/deadline errors
//	3        | KindValidation        | Validation failures
//	4        | KindDependencyFailure | External dependency failures
//	5        | KindInternal          | Internal errors (lowest)
//
// # Error Marking
//
// Mark errors with specific kinds while preserving the original error:
//
//	if err := pool.Ping(ctx); err != nil {
//	    return shared.MarkKind(err, shared.KindDependencyFailure)
//	}
//
// The sentinels double as retry kinds: a retry.Policy with
// RetryOn: []error{shared.ErrDependencyFailure} retries every marked error.
package shared

package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"taskrunner/pkg/report"
)

// ErrInvalidPolicy is returned when a Policy fails validation.
var ErrInvalidPolicy = errors.New("retry: invalid policy")

// JitterStrategy defines the jitter strategy to use
type JitterStrategy int

const (
	// JitterNone disables jitter (default, delays are exact)
	JitterNone JitterStrategy = iota
	// JitterEqual applies uniform jitter (equal chance of any delay in range)
	JitterEqual
	// JitterDecorrelated applies decorrelated jitter (AWS recommended)
	JitterDecorrelated
)

// Policy defines retry behaviour. It is a value type: Execute works on its own
// normalized copy, so a Policy can be shared between goroutines.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first one)
	MaxAttempts int
	// InitialDelay is the delay before the second attempt
	InitialDelay time.Duration
	// Multiplier is the backoff multiplier (1 = fixed delay, 0 is treated as 1)
	Multiplier float64
	// MaxDelay caps a single delay (0 = no cap)
	MaxDelay time.Duration
	// MaxElapsedTime is the maximum total time to spend on retries (0 = no limit)
	MaxElapsedTime time.Duration
	// RetryOn lists failure kinds that trigger a retry, matched with errors.Is
	RetryOn []error
	// Retryable is an optional predicate for failures that trigger a retry
	Retryable func(err error) bool
	// JitterStrategy defines the jitter algorithm to use
	JitterStrategy JitterStrategy
	// Rand is the random source for jitter (optional, uses local source if nil)
	Rand *rand.Rand
	// OnRetry is called before each backoff wait for observability
	OnRetry func(attempt int, err error, nextDelay time.Duration)
	// Reporter receives every caught failure (optional)
	Reporter report.Reporter
	// Clock is the time source (defaults to the real clock)
	Clock clockwork.Clock
}

// DefaultPolicy returns three attempts with a fixed one second delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   1,
	}
}

// NewPolicy validates p and returns a normalized copy of it.
func NewPolicy(p Policy) (Policy, error) {
	if err := p.normalize(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// normalize validates the policy in place and fills in defaults.
func (p *Policy) normalize() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be at least 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("%w: InitialDelay cannot be negative", ErrInvalidPolicy)
	}
	if p.Multiplier == 0 {
		p.Multiplier = 1
	}
	if p.Multiplier < 1 || math.IsNaN(p.Multiplier) || math.IsInf(p.Multiplier, 0) {
		return fmt.Errorf("%w: Multiplier must be a finite number >= 1, got %v", ErrInvalidPolicy, p.Multiplier)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("%w: MaxDelay cannot be negative", ErrInvalidPolicy)
	}
	if p.MaxElapsedTime < 0 {
		return fmt.Errorf("%w: MaxElapsedTime cannot be negative", ErrInvalidPolicy)
	}
	for _, kind := range p.RetryOn {
		if kind == nil {
			return fmt.Errorf("%w: RetryOn contains a nil kind", ErrInvalidPolicy)
		}
	}

	p.RetryOn = append([]error(nil), p.RetryOn...)
	if p.JitterStrategy != JitterNone && p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Reporter == nil {
		p.Reporter = report.Nop()
	}
	return nil
}

// Delay returns the backoff that follows failed attempt number attempt:
// InitialDelay * Multiplier^(attempt-1), capped by MaxDelay. Jitter is not applied.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if delay >= float64(math.MaxInt64) {
		if p.MaxDelay > 0 {
			return p.MaxDelay
		}
		return time.Duration(math.MaxInt64)
	}

	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// IsRetryable reports whether err is a retryable failure under this policy.
// With neither RetryOn nor Retryable set every failure is retryable.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if len(p.RetryOn) == 0 && p.Retryable == nil {
		return true
	}
	for _, kind := range p.RetryOn {
		if errors.Is(err, kind) {
			return true
		}
	}
	return p.Retryable != nil && p.Retryable(err)
}

// applyJitter applies the configured jitter strategy to the delay
func (p Policy) applyJitter(baseDelay time.Duration) time.Duration {
	if baseDelay <= 0 {
		return baseDelay
	}

	switch p.JitterStrategy {
	case JitterEqual:
		// Equal jitter: random value between 0 and baseDelay
		return time.Duration(p.Rand.Int63n(int64(baseDelay)))

	case JitterDecorrelated:
		// Decorrelated jitter: baseDelay up to 3 * baseDelay / 2
		spread := int64(baseDelay / 2)
		if spread <= 0 {
			return baseDelay
		}
		jittered := baseDelay + time.Duration(p.Rand.Int63n(spread))
		if p.MaxDelay > 0 && jittered > p.MaxDelay {
			return p.MaxDelay
		}
		return jittered

	default:
		return baseDelay
	}
}

// Operation is a fallible unit of work whose result can be retried.
type Operation[T any] func(ctx context.Context) (T, error)

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// ExhaustedError is returned when retries are exhausted and no recovery
// handler matched the last failure.
type ExhaustedError struct {
	LastError     error
	Attempts      int
	TotalDuration time.Duration
	Reason        string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s after %s (%d attempts): %v",
		e.Reason, e.TotalDuration, e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Reasons carried by ExhaustedError.
const (
	ReasonMaxAttempts    = "max attempts exceeded"
	ReasonMaxElapsedTime = "max elapsed time exceeded"
)

// Attempt is the state of one retry loop. It lives only for the duration of
// a single Execute call.
type Attempt struct {
	Number    int
	LastError error
	NextDelay time.Duration
}

// CallOption configures a single Execute call.
type CallOption func(*callConfig)

type callConfig struct {
	id   string
	name string
}

// WithOperationID sets the ID that identifies this call in failure reports.
// By default a random UUID is used.
func WithOperationID(id string) CallOption {
	return func(c *callConfig) {
		c.id = id
	}
}

// WithOperationName sets a human-readable name used in failure reports.
func WithOperationName(name string) CallOption {
	return func(c *callConfig) {
		c.name = name
	}
}

// Execute runs op until it succeeds, fails with a non-retryable failure, or
// runs out of attempts. On exhaustion the recovery handler matching the last
// failure is invoked. Non-retryable failures are returned unchanged and never
// reach recovery. A nil recovery is allowed.
//
// When attempts run out and no handler matches, the returned error is an
// *ExhaustedError, not the last failure itself. Callers that inspect the
// failure must unwrap it with errors.Is or errors.As (or read
// ExhaustedError.LastError); comparing the returned error with == does not work.
func Execute[T any](ctx context.Context, policy Policy, op Operation[T], recovery *Recovery[T], opts ...CallOption) (T, error) {
	var zero T
	if err := policy.normalize(); err != nil {
		return zero, err
	}
	if op == nil {
		return zero, fmt.Errorf("%w: operation is nil", ErrInvalidPolicy)
	}

	call := callConfig{}
	for _, opt := range opts {
		opt(&call)
	}
	if call.id == "" {
		call.id = uuid.NewString()
	}

	clock := policy.Clock
	startTime := clock.Now()
	state := Attempt{Number: 1}

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		state.LastError = err

		policy.Reporter.Report(ctx, report.Failure{
			Source:  report.SourceRetry,
			ID:      call.id,
			Name:    call.name,
			Attempt: state.Number,
			Err:     err,
			Time:    clock.Now(),
		})

		if !policy.IsRetryable(err) {
			return zero, err
		}

		if state.Number >= policy.MaxAttempts {
			return exhaust(ctx, recovery, &ExhaustedError{
				LastError:     err,
				Attempts:      state.Number,
				TotalDuration: clock.Since(startTime),
				Reason:        ReasonMaxAttempts,
			})
		}

		state.NextDelay = policy.applyJitter(policy.Delay(state.Number))

		if policy.MaxElapsedTime > 0 {
			elapsed := clock.Since(startTime)
			if elapsed+state.NextDelay > policy.MaxElapsedTime {
				return exhaust(ctx, recovery, &ExhaustedError{
					LastError:     err,
					Attempts:      state.Number,
					TotalDuration: elapsed,
					Reason:        ReasonMaxElapsedTime,
				})
			}
		}

		if policy.OnRetry != nil {
			policy.OnRetry(state.Number, err, state.NextDelay)
		}

		if state.NextDelay > 0 {
			timer := clock.NewTimer(state.NextDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.Chan():
			}
		}

		state.Number++
	}
}

func exhaust[T any](ctx context.Context, recovery *Recovery[T], exhausted *ExhaustedError) (T, error) {
	if fn, ok := recovery.Lookup(exhausted.LastError); ok {
		return fn(ctx, exhausted.LastError)
	}
	var zero T
	return zero, exhausted
}

// Do executes an error-only function with the given policy and no recovery.
func Do(ctx context.Context, policy Policy, fn RetryableFunc, opts ...CallOption) error {
	if fn == nil {
		return fmt.Errorf("%w: operation is nil", ErrInvalidPolicy)
	}
	_, err := Execute(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil, opts...)
	return err
}

// DefaultRetryable returns true for temporary errors and context deadline exceeded.
// It is meant to be used as Policy.Retryable.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Don't retry context cancellation
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Retry on deadline exceeded (timeout)
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check for net.Error with Timeout
	type netError interface {
		Timeout() bool
	}
	if ne, ok := err.(netError); ok && ne.Timeout() {
		return true
	}

	// Check for specific network errors
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if errors.Is(err, net.ErrClosed) {
		return true
	}

	// Check for URL errors wrapping network errors
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if ne, ok := urlErr.Err.(netError); ok && ne.Timeout() {
			return true
		}

		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}

		var opErr *net.OpError
		if errors.As(urlErr.Err, &opErr) {
			var syscallErr *os.SyscallError
			if errors.As(opErr.Err, &syscallErr) {
				switch syscallErr.Err {
				case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
					syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EPIPE,
					syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
					return true
				}
			}
		}
	}

	// Check for temporary interface (fallback for compatibility)
	type temporary interface {
		Temporary() bool
	}
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}

	return false
}

package retry

import (
	"context"
	"errors"
	"reflect"
)

// RecoverFunc produces a result for a failure that exhausted its retries.
type RecoverFunc[T any] func(ctx context.Context, err error) (T, error)

type recoveryHandler[T any] struct {
	kind error
	fn   RecoverFunc[T]
}

// Recovery holds recovery handlers selected by failure kind.
//
// A kind is a sentinel error. Kinds form a hierarchy through wrapping: a kind
// declared as fmt.Errorf("conn refused: %w", ErrNetwork) is more specific than
// ErrNetwork. Lookup walks the failure's wrap chain from the outside in and
// picks the handler of the first kind it meets, so the most specific
// registered kind wins.
type Recovery[T any] struct {
	handlers []recoveryHandler[T]
	fallback RecoverFunc[T]
}

// NewRecovery creates an empty recovery registry.
func NewRecovery[T any]() *Recovery[T] {
	return &Recovery[T]{}
}

// Recover creates a registry with a single catch-all handler.
func Recover[T any](fn RecoverFunc[T]) *Recovery[T] {
	return NewRecovery[T]().Fallback(fn)
}

// On registers fn for failures of the given kind. Nil kinds and handlers are ignored.
func (r *Recovery[T]) On(kind error, fn RecoverFunc[T]) *Recovery[T] {
	if kind == nil || fn == nil {
		return r
	}
	r.handlers = append(r.handlers, recoveryHandler[T]{kind: kind, fn: fn})
	return r
}

// Fallback registers a handler used when no kind matches.
func (r *Recovery[T]) Fallback(fn RecoverFunc[T]) *Recovery[T] {
	r.fallback = fn
	return r
}

// Lookup returns the handler for err. It is safe to call on a nil registry.
func (r *Recovery[T]) Lookup(err error) (RecoverFunc[T], bool) {
	if r == nil || err == nil {
		return nil, false
	}

	if len(r.handlers) > 0 {
		for _, node := range chain(err) {
			for _, h := range r.handlers {
				if nodeIs(node, h.kind) {
					return h.fn, true
				}
			}
		}
	}

	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// nodeIs reports whether a single chain node matches kind without looking
// further down the chain.
func nodeIs(node, kind error) bool {
	if node == kind {
		return true
	}
	if matcher, ok := node.(interface{ Is(error) bool }); ok {
		return matcher.Is(kind)
	}
	return false
}

// chain flattens the error graph breadth-first, outermost first.
func chain(err error) []error {
	var result []error
	seen := make(map[error]bool)
	queue := []error{err}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current == nil {
			continue
		}
		if reflect.TypeOf(current).Comparable() {
			if seen[current] {
				continue
			}
			seen[current] = true
		}
		result = append(result, current)

		if multi, ok := current.(interface{ Unwrap() []error }); ok {
			queue = append(queue, multi.Unwrap()...)
		} else if nested := errors.Unwrap(current); nested != nil {
			queue = append(queue, nested)
		}
	}

	return result
}

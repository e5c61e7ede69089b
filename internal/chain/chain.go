// Package chain runs an ordered list of fallible strategies until one
// produces an acceptable result. Backend selection and translation provider
// selection both go through First.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSkip is returned by an attempt that opts out without trying, for
	// example a provider whose credential is not configured.
	ErrSkip = errors.New("chain: attempt skipped")

	// ErrExhausted is returned when no attempt produced an accepted result.
	ErrExhausted = errors.New("chain: all attempts failed")
)

// Attempt is one strategy in an ordered chain.
type Attempt[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Options tune how First runs each attempt.
type Options[T any] struct {
	// Timeout bounds each attempt independently. Zero means no per-attempt bound.
	Timeout time.Duration

	// Accept validates a successful result. A non-nil error rejects it and
	// moves on to the next attempt.
	Accept func(name string, v T) error

	// OnFailure is called for every attempt that errored, was rejected or
	// skipped, in order.
	OnFailure func(name string, err error)
}

// First runs attempts in order and returns the first accepted result along
// with the name of the attempt that produced it. A panic inside an attempt is
// recovered and treated as that attempt's failure. When every attempt fails
// the returned error wraps ErrExhausted and each individual failure.
func First[T any](ctx context.Context, attempts []Attempt[T], opts Options[T]) (T, string, error) {
	var zero T
	var errs []error

	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		v, err := run(ctx, a, opts.Timeout)
		if err == nil && opts.Accept != nil {
			err = opts.Accept(a.Name, v)
		}
		if err == nil {
			return v, a.Name, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
		if opts.OnFailure != nil {
			opts.OnFailure(a.Name, err)
		}
	}

	return zero, "", errors.Join(append([]error{ErrExhausted}, errs...)...)
}

func run[T any](ctx context.Context, a Attempt[T], timeout time.Duration) (v T, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("panic: %v", rv)
		}
	}()
	return a.Run(ctx)
}

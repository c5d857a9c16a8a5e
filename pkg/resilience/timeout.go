package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout bounds fn with a derived deadline. fn runs on its own
// goroutine so a backend that ignores its context cannot stall the caller
// past the limit; the goroutine is left to finish on its own in that case.
// A non-positive timeout runs fn inline with no bound.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	boundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(boundCtx) }()

	select {
	case err := <-done:
		return err
	case <-boundCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, err)
		}
		return fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
	}
}

// IsTimeout reports whether err came from a deadline, either this package's
// or a wrapped context one.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

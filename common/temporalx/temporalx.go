// Package temporalx holds small adapters between the service lifecycle, platform errors and the Temporal SDK.
package temporalx

import (
	"context"
	"errors"

	"github.com/forbiddencoding/social-autoposter/common/platform"
	"go.temporal.io/sdk/temporal"
)

const (
	ErrTypeRateLimited = "rate_limited"
	ErrTypePermanent   = "permanent"
)

// WorkerInterruptFromCtxChan closes the returned channel once ctx is done, for worker.Run.
func WorkerInterruptFromCtxChan(ctx context.Context) <-chan any {
	ch := make(chan any, 1)

	go func() {
		defer close(ch)
		<-ctx.Done()
	}()

	return ch
}

// ActivityError maps err onto Temporal's retry semantics. Rate limits stay retryable so the server backs off,
// failures that no retry can fix become non-retryable, everything else is returned unchanged.
func ActivityError(msg string, err error) error {
	if err == nil {
		return nil
	}

	switch kind := platform.KindOf(err); {
	case kind == platform.KindRateLimited:
		return temporal.NewApplicationErrorWithOptions(msg, ErrTypeRateLimited, temporal.ApplicationErrorOptions{
			Cause:        err,
			NonRetryable: false,
		})
	case kind.TargetSpecific(), kind == platform.KindAuth:
		return temporal.NewApplicationErrorWithOptions(msg, ErrTypePermanent, temporal.ApplicationErrorOptions{
			Cause:        err,
			NonRetryable: true,
		})
	}
	return err
}

// Permanent wraps err as a non-retryable application error.
func Permanent(msg string, err error) error {
	return temporal.NewApplicationErrorWithOptions(msg, ErrTypePermanent, temporal.ApplicationErrorOptions{
		Cause:        err,
		NonRetryable: true,
	})
}

// IsPermanent reports whether err carries a non-retryable application error.
func IsPermanent(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

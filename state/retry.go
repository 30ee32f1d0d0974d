package state

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/songzhibin97/approval-workflow/types"
)

// DefaultConflictRetries bounds Retry when the caller passes no limit.
const DefaultConflictRetries = 5

// Retry calls fn until it returns something other than ErrVersionConflict,
// at most attempts times. fn must re-read the instance on every call. An
// ErrCompensationFailure ends the loop even when joined with a conflict.
func Retry[T any](ctx context.Context, attempts int, fn func() (T, error)) (T, error) {
	if attempts <= 0 {
		attempts = DefaultConflictRetries
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && (!errors.Is(err, types.ErrVersionConflict) || errors.Is(err, types.ErrCompensationFailure)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
}

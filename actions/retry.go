package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds the retries of a failing action.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
}

// Run executes a, retrying up to p.MaxRetries times with a constant delay.
// It returns the output, the number of attempts made and the last error.
// A panicking action counts as a failed attempt.
func Run(ctx context.Context, a Action, req Request, p Policy) (interface{}, int, error) {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	attempts := 0
	out, err := backoff.Retry(ctx, func() (interface{}, error) {
		attempts++
		req.Attempt = attempts
		return execute(ctx, a, req)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		return nil, attempts, fmt.Errorf("failed after %d attempt(s): %w", attempts, err)
	}
	return out, attempts, nil
}

func execute(ctx context.Context, a Action, req Request) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic occurred: %v", r)
		}
	}()
	return a.Execute(ctx, req)
}

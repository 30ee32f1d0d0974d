package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("SucceedsAfterRetries", func(t *testing.T) {
		calls := 0
		a := ActionFunc(func(_ context.Context, req Request) (interface{}, error) {
			calls++
			assert.Equal(t, calls, req.Attempt)
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		})
		out, attempts, err := Run(ctx, a, Request{}, Policy{MaxRetries: 3})
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.Equal(t, 3, attempts)
	})

	t.Run("GivesUp", func(t *testing.T) {
		boom := errors.New("boom")
		a := ActionFunc(func(context.Context, Request) (interface{}, error) { return nil, boom })
		_, attempts, err := Run(ctx, a, Request{}, Policy{MaxRetries: 2})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, attempts)
		assert.ErrorContains(t, err, "failed after 3 attempt(s)")
	})

	t.Run("NoRetries", func(t *testing.T) {
		a := ActionFunc(func(context.Context, Request) (interface{}, error) { return nil, errors.New("x") })
		_, attempts, err := Run(ctx, a, Request{}, Policy{MaxRetries: -1})
		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("Panic", func(t *testing.T) {
		a := ActionFunc(func(context.Context, Request) (interface{}, error) { panic("kaboom") })
		_, _, err := Run(ctx, a, Request{}, Policy{})
		assert.ErrorContains(t, err, "panic occurred: kaboom")
	})
}

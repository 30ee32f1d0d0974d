package state

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/songzhibin97/approval-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("ConflictThenSuccess", func(t *testing.T) {
		calls := 0
		v, err := Retry(ctx, 5, func() (int, error) {
			calls++
			if calls < 3 {
				return 0, fmt.Errorf("commit: %w", types.ErrVersionConflict)
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.Equal(t, 3, calls)
	})

	t.Run("GivesUp", func(t *testing.T) {
		calls := 0
		_, err := Retry(ctx, 2, func() (int, error) {
			calls++
			return 0, types.ErrVersionConflict
		})
		assert.ErrorIs(t, err, types.ErrVersionConflict)
		assert.Equal(t, 2, calls)
	})

	t.Run("OtherErrorsAreNotRetried", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		_, err := Retry(ctx, 5, func() (int, error) {
			calls++
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("CompensationFailureIsNotRetried", func(t *testing.T) {
		calls := 0
		_, err := Retry(ctx, 5, func() (int, error) {
			calls++
			return 0, errors.Join(types.ErrCompensationFailure, types.ErrVersionConflict)
		})
		assert.ErrorIs(t, err, types.ErrCompensationFailure)
		assert.Equal(t, 1, calls)
	})

	t.Run("DefaultAttempts", func(t *testing.T) {
		calls := 0
		_, err := Retry(ctx, 0, func() (struct{}, error) {
			calls++
			return struct{}{}, types.ErrVersionConflict
		})
		assert.Error(t, err)
		assert.Equal(t, DefaultConflictRetries, calls)
	})
}

package camunda

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "workflow-notifications/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry, "complete-job", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("rpc error: code = Unavailable desc = connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry, "complete-job", func(context.Context) error {
		calls++
		return errors.New("NOT_FOUND: job 42 not found")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeEngineUnavailable))
}

func TestRetry_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry, "fail-job", func(context.Context) error {
		calls++
		return errors.New("context deadline exceeded")
	})
	require.Error(t, err)
	assert.Equal(t, fastRetry.MaxRetries+1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	err := Retry(ctx, slow, "complete-job", func(context.Context) error {
		cancel()
		return errors.New("unavailable")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

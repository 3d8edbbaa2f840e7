package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(IllegalTransition, "running->pending not allowed")
	k, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, IllegalTransition, k)
	require.True(t, Is(err, IllegalTransition))
	require.False(t, Is(err, NotFound))
}

func TestKindOf_PlainError(t *testing.T) {
	_, ok := KindOf(fmt.Errorf("plain failure"))
	require.False(t, ok)
}

func TestRetryable(t *testing.T) {
	require.True(t, Timeout.Retryable())
	require.True(t, ServiceUnavailable.Retryable())
	require.False(t, IllegalTransition.Retryable())
	require.False(t, InvalidArgument.Retryable())
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 1000 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, Backoff(cfg, 1))
	require.Equal(t, 200*time.Millisecond, Backoff(cfg, 2))
	require.Equal(t, 400*time.Millisecond, Backoff(cfg, 3))
	require.Equal(t, 800*time.Millisecond, Backoff(cfg, 4))
	require.Equal(t, 1000*time.Millisecond, Backoff(cfg, 5))
}

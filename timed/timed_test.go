package timed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunReturnsOperationResult(t *testing.T) {
	value, err := Run(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, value)
}

func TestRunPropagatesOperationError(t *testing.T) {
	wantErr := fmt.Errorf("device unreachable")
	_, err := Run(context.Background(), time.Second, func(context.Context) (string, error) {
		return "", wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestRunTimesOutStalledOperation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Run(context.Background(), 50*time.Millisecond, func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 50*time.Millisecond, timeoutErr.After)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, elapsed, time.Second, "caller must unblock at the deadline")
}

func TestRunAbandonedOperationDoesNotBlock(t *testing.T) {
	var completed atomic.Bool
	release := make(chan struct{})

	_, err := Run(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
		<-release
		completed.Store(true)
		return 7, nil
	})
	require.Error(t, err)

	// The abandoned goroutine must be able to finish via the buffered channel.
	close(release)
	require.Eventually(t, completed.Load, time.Second, 5*time.Millisecond)
}

func TestRunZeroDeadlineRunsInline(t *testing.T) {
	value, err := Run(context.Background(), 0, func(context.Context) (string, error) {
		return "inline", nil
	})
	require.NoError(t, err)
	require.Equal(t, "inline", value)
}

func TestRunHonoursCancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.True(t, errors.Is(err, context.Canceled))
}

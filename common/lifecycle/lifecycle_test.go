package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerCloseStopsRun(t *testing.T) {
	var r Runner
	var ticks atomic.Int32

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(func(ctx context.Context) error {
			return Every(ctx, time.Millisecond, func(context.Context) error {
				ticks.Add(1)
				return nil
			}, nil)
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() > 2 }, time.Second, time.Millisecond)
	require.NoError(t, r.Close())
	require.NoError(t, <-errCh)

	assert.NoError(t, r.Close(), "second close is a no-op")
}

func TestRunAfterCloseReturns(t *testing.T) {
	var r Runner
	require.NoError(t, r.Close())

	called := false
	require.NoError(t, r.Run(func(context.Context) error {
		called = true
		return nil
	}))
	assert.False(t, called)
}

func TestRunTwice(t *testing.T) {
	var r Runner
	started := make(chan struct{})

	go func() {
		_ = r.Run(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	err := r.Run(func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.NoError(t, r.Close())
}

func TestEveryReportsErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var got atomic.Int32

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Every(ctx, time.Millisecond, func(context.Context) error {
		return errors.New("tick failed")
	}, func(error) { got.Add(1) })

	require.ErrorIs(t, err, context.Canceled)
	assert.Positive(t, got.Load())
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

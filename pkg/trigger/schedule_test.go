package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("0 3 * * *", false))
	assert.NoError(t, Validate("*/5 * * * * *", true))

	for _, bad := range []string{"", "not cron", "61 * * * *"} {
		assert.ErrorIs(t, Validate(bad, false), ErrInvalidSchedule, bad)
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{Cron: "0 3 * * *"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Cron: "bogus"}, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestScheduler_RunOnStartAndStop(t *testing.T) {
	fired := make(chan struct{}, 1)
	s, err := New(Config{Cron: "0 3 * * *", RunOnStart: true}, func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return errors.New("one job failed")
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("run on start did not fire")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.Equal(t, int64(1), s.Fired())
	assert.Equal(t, int64(1), s.Failed())
}

func TestScheduler_RunsNeverOverlap(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on a per-second schedule")
	}

	var inflight, maxInflight atomic.Int32
	s, err := New(Config{Cron: "* * * * * *", WithSeconds: true, RunOnStart: true}, func(ctx context.Context) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-time.After(1500 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, int32(1), maxInflight.Load())
	assert.GreaterOrEqual(t, s.Fired(), int64(1))
}

func TestScheduler_CancelledContextSkipsTick(t *testing.T) {
	s, err := New(Config{Cron: "0 3 * * *"}, func(context.Context) error {
		t.Fatal("run must not start after cancellation")
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.fire(ctx)
	assert.Equal(t, int64(0), s.Fired())
}

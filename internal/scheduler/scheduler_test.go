package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunsImmediatelyAndOnSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	s := New("* * * * * *", func(context.Context) error {
		if calls.Add(1) >= 2 {
			cancel()
		}
		return nil
	}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
	assert.Equal(t, calls.Load(), s.Runs())
}

func TestJobErrorDoesNotStopScheduler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	s := New("* * * * * *", func(context.Context) error {
		if calls.Add(1) >= 2 {
			cancel()
		}
		return errors.New("replica down")
	}, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int64(2))
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := New("", func(context.Context) error {
		close(started)
		<-release
		return nil
	}, zap.NewNop())

	go s.tick(context.Background())
	<-started

	s.tick(context.Background())
	close(release)

	assert.Equal(t, int64(1), s.Runs())
	assert.Equal(t, int64(1), s.Skipped())
}

func TestBadSpec(t *testing.T) {
	s := New("every hour", func(context.Context) error { return nil }, zap.NewNop())
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse schedule")
	assert.Equal(t, int64(0), s.Runs())
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New("", func(context.Context) error {
		t.Error("job must not run")
		return nil
	}, zap.NewNop())

	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

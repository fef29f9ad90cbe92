package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danghamo/busline/pkg/logger"
)

func TestScheduler_RunsTasksIndependently(t *testing.T) {
	s := New(logger.NewNop())

	var fast, slow atomic.Int32
	require.NoError(t, s.Add(Task{Name: "fast", Phase: PhaseCountdown, Interval: 5 * time.Millisecond,
		Fn: func(context.Context) error { fast.Add(1); return nil }}))
	require.NoError(t, s.Add(Task{Name: "slow", Phase: PhaseRegen, Interval: 40 * time.Millisecond,
		Fn: func(context.Context) error { slow.Add(1); return nil }}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return slow.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Greater(t, fast.Load(), slow.Load())
}

func TestScheduler_FailureDoesNotStopNextTick(t *testing.T) {
	s := New(logger.NewNop())

	var calls atomic.Int32
	require.NoError(t, s.Add(Task{Name: "flaky", Phase: PhasePoll, Interval: 5 * time.Millisecond,
		Fn: func(context.Context) error {
			n := calls.Add(1)
			if n == 1 {
				return errors.New("backend down")
			}
			if n == 2 {
				panic("renderer exploded")
			}
			return nil
		}}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, time.Millisecond)

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 2, status[0].Failures)
	assert.False(t, status[0].LastFiredAt.IsZero())
}

func TestScheduler_ImmediateRunsBeforeFirstTick(t *testing.T) {
	s := New(logger.NewNop())

	var calls atomic.Int32
	require.NoError(t, s.Add(Task{Name: "poll", Phase: PhasePoll, Interval: time.Hour, Immediate: true,
		Fn: func(context.Context) error { calls.Add(1); return nil }}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_StopIsIdempotentAndCancelsTasks(t *testing.T) {
	s := New(logger.NewNop())

	var calls atomic.Int32
	require.NoError(t, s.Add(Task{Name: "tick", Phase: PhaseCountdown, Interval: 2 * time.Millisecond,
		Fn: func(context.Context) error { calls.Add(1); return nil }}))

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)

	s.Stop()
	s.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())

	assert.Error(t, s.Add(Task{Name: "late", Interval: time.Second, Fn: func(context.Context) error { return nil }}))
}

func TestScheduler_AddValidation(t *testing.T) {
	s := New(logger.NewNop())

	assert.Error(t, s.Add(Task{Name: "zero", Fn: func(context.Context) error { return nil }}))
	assert.Error(t, s.Add(Task{Name: "nil fn", Interval: time.Second}))
}

func TestScheduler_AddAfterStart(t *testing.T) {
	s := New(logger.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	var calls atomic.Int32
	require.NoError(t, s.Add(Task{Name: "late", Phase: PhasePoll, Interval: 2 * time.Millisecond,
		Fn: func(context.Context) error { calls.Add(1); return nil }}))

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)
}

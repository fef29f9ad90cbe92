package credential

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/schedule"
	"github.com/danghamo/busline/pkg/logger"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchCode(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

type MockRenderer struct {
	mock.Mock
}

func (m *MockRenderer) RenderCode(payload string, sizeHint int) {
	m.Called(payload, sizeHint)
}

type recordingDisplay struct {
	shown []int
}

func (d *recordingDisplay) ShowCountdown(remaining int) { d.shown = append(d.shown, remaining) }

type capturePublisher struct {
	events []interface{}
}

func (c *capturePublisher) Publish(_ context.Context, event interface{}) error {
	c.events = append(c.events, event)
	return nil
}

func TestCountdown_TickWrapsToWindow(t *testing.T) {
	display := &recordingDisplay{}
	c := NewCountdown(3, display)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Tick(ctx))
	}

	assert.Equal(t, []int{2, 1, 3, 2}, display.shown)
	assert.Equal(t, 2, c.Remaining())

	c.Reset()
	assert.Equal(t, 3, c.Remaining())
}

func TestRotator_TickRendersAndResets(t *testing.T) {
	fetcher := &MockFetcher{}
	renderer := &MockRenderer{}
	pub := &capturePublisher{}

	payload := "Bus-10_2024-05-01T07:45:10.123456"
	fetcher.On("FetchCode", mock.Anything).Return(payload, nil)
	renderer.On("RenderCode", payload, 200).Return()

	countdown := NewCountdown(10, nil)
	countdown.Tick(context.Background())
	countdown.Tick(context.Background())
	require.Equal(t, 8, countdown.Remaining())

	r := NewRotator("Bus-10", 10*time.Second, time.Second, 0, fetcher, renderer, countdown, pub, logger.NewNop())
	require.NoError(t, r.Tick(context.Background()))

	assert.Equal(t, 10, countdown.Remaining())
	fetcher.AssertExpectations(t)
	renderer.AssertExpectations(t)

	require.Len(t, pub.events, 1)
	ev := pub.events[0].(*events.CredentialRotatedEvent)
	assert.Equal(t, "Bus-10", ev.BusNo)
	assert.Equal(t, 10, ev.Window)
	assert.Equal(t, 7, ev.IssuedAt.Hour())
	assert.Equal(t, 45, ev.IssuedAt.Minute())
}

func TestRotator_FetchFailureLeavesCountdownRunning(t *testing.T) {
	fetcher := &MockFetcher{}
	renderer := &MockRenderer{}
	fetcher.On("FetchCode", mock.Anything).Return("", errors.New("502 bad gateway"))

	countdown := NewCountdown(10, nil)
	countdown.Tick(context.Background())

	r := NewRotator("Bus-10", 10*time.Second, time.Second, 200, fetcher, renderer, countdown, nil, logger.NewNop())
	assert.Error(t, r.Tick(context.Background()))

	assert.Equal(t, 9, countdown.Remaining())
	renderer.AssertNotCalled(t, "RenderCode", mock.Anything, mock.Anything)
}

func TestRotator_RetriesOnNextScheduledTick(t *testing.T) {
	fetcher := &MockFetcher{}
	renderer := &MockRenderer{}
	fetcher.On("FetchCode", mock.Anything).Return("", errors.New("timeout")).Once()
	fetcher.On("FetchCode", mock.Anything).Return("Bus-10_2024-05-01T07:45:10", nil)
	renderer.On("RenderCode", "Bus-10_2024-05-01T07:45:10", 200).Return()

	countdown := NewCountdown(10, nil)
	r := NewRotator("Bus-10", 15*time.Millisecond, time.Hour, 200, fetcher, renderer, countdown, nil, logger.NewNop())

	s := schedule.New(logger.NewNop())
	for _, task := range r.Tasks() {
		require.NoError(t, s.Add(task))
	}
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		for _, st := range s.Status() {
			if st.Name == "credential-regen" {
				return st.Failures == 1 && st.Runs >= 2
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRotator_Tasks(t *testing.T) {
	r := NewRotator("7", 10*time.Second, time.Second, 0, &MockFetcher{}, nil, NewCountdown(10, nil), nil, logger.NewNop())
	tasks := r.Tasks()
	require.Len(t, tasks, 2)

	assert.Equal(t, schedule.PhaseCountdown, tasks[0].Phase)
	assert.Equal(t, time.Second, tasks[0].Interval)
	assert.Equal(t, schedule.PhaseRegen, tasks[1].Phase)
	assert.Equal(t, 10*time.Second, tasks[1].Interval)
	assert.True(t, tasks[1].Immediate)
}

// simulateResync replays countdown ticks (every tickMs) and successful
// rotations (every window seconds) in time order and returns the largest
// distance between the displayed value and the true seconds left. 1 and R are
// adjacent on the dial, so distance is measured modulo R.
func simulateResync(t *testing.T, window int, tickMs int64, cycles int, regenFirst bool) int {
	t.Helper()

	fetcher := &MockFetcher{}
	fetcher.On("FetchCode", mock.Anything).Return("x", nil)
	countdown := NewCountdown(window, nil)
	r := NewRotator("1", time.Duration(window)*time.Second, time.Second, 0, fetcher, nil, countdown, nil, logger.NewNop())

	type ev struct {
		at    int64
		regen bool
	}
	end := int64(window*cycles) * 1000
	var evs []ev
	for at := tickMs; at <= end; at += tickMs {
		evs = append(evs, ev{at: at})
	}
	for j := 1; j <= cycles; j++ {
		evs = append(evs, ev{at: int64(j*window) * 1000, regen: true})
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].at != evs[j].at {
			return evs[i].at < evs[j].at
		}
		return evs[i].regen == regenFirst && evs[j].regen != regenFirst
	})

	ctx := context.Background()
	worst := 0
	for _, e := range evs {
		if e.regen {
			require.NoError(t, r.Tick(ctx))
		} else {
			require.NoError(t, countdown.Tick(ctx))
		}

		expected := window - int((e.at/1000)%int64(window))
		diff := countdown.Remaining() - expected
		if diff < 0 {
			diff = -diff
		}
		if window-diff < diff {
			diff = window - diff
		}
		if diff > worst {
			worst = diff
		}
	}
	return worst
}

func TestCountdown_StaysInPhaseWithRotation(t *testing.T) {
	tests := []struct {
		name       string
		tickMs     int64
		regenFirst bool
	}{
		{name: "exact ticks, countdown first", tickMs: 1000, regenFirst: false},
		{name: "exact ticks, rotation first", tickMs: 1000, regenFirst: true},
		{name: "late ticks 2%", tickMs: 1020},
		{name: "late ticks 5%", tickMs: 1050, regenFirst: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worst := simulateResync(t, 10, tt.tickMs, 50, tt.regenFirst)
			assert.LessOrEqual(t, worst, 1)
		})
	}
}

func TestParsePayload(t *testing.T) {
	bus, at, err := ParsePayload("Bus-10_2024-05-01T07:45:10.5")
	require.NoError(t, err)
	assert.Equal(t, "Bus-10", bus)
	assert.Equal(t, 500*time.Millisecond, time.Duration(at.Nanosecond()))

	_, _, err = ParsePayload("opaque")
	assert.Error(t, err)

	_, _, err = ParsePayload("Bus-10_yesterday")
	assert.Error(t, err)
}

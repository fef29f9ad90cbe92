package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/pkg/logger"
)

// MockSensor scripts per-tier answers
type MockSensor struct {
	mock.Mock
}

func (m *MockSensor) CurrentPosition(ctx context.Context, opts PositionOptions) (shared.Position, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(shared.Position), args.Error(1)
}

func highTier() any {
	return mock.MatchedBy(func(o PositionOptions) bool { return o.EnableHighAccuracy })
}

func lowTier() any {
	return mock.MatchedBy(func(o PositionOptions) bool { return !o.EnableHighAccuracy })
}

func TestAcquirer_HighTierSuccessSkipsLowTier(t *testing.T) {
	sensor := &MockSensor{}
	highFix := shared.NewPosition(12.9, 77.6)
	sensor.On("CurrentPosition", mock.Anything, highTier()).Return(highFix, nil).Once()

	acq := NewAcquirer(sensor, time.Second, logger.NewNop())
	pos, err := acq.Acquire(context.Background())

	require.NoError(t, err)
	assert.Equal(t, highFix, pos)
	sensor.AssertNumberOfCalls(t, "CurrentPosition", 1)
	sensor.AssertNotCalled(t, "CurrentPosition", mock.Anything, lowTier())
}

func TestAcquirer_FallsBackToLowTierFix(t *testing.T) {
	sensor := &MockSensor{}
	lowFix := shared.NewPosition(12.91, 77.61)
	sensor.On("CurrentPosition", mock.Anything, highTier()).
		Return(shared.Position{}, &PositionError{Code: CodeTimeout}).Once()
	sensor.On("CurrentPosition", mock.Anything, lowTier()).Return(lowFix, nil).Once()

	acq := NewAcquirer(sensor, time.Second, logger.NewNop())
	pos, err := acq.Acquire(context.Background())

	require.NoError(t, err)
	assert.Equal(t, lowFix, pos)
	sensor.AssertExpectations(t)
}

func TestAcquirer_TierOptions(t *testing.T) {
	tiers := Tiers(DefaultTimeout)
	require.Len(t, tiers, 2)

	assert.True(t, tiers[0].Options.EnableHighAccuracy)
	assert.False(t, tiers[1].Options.EnableHighAccuracy)
	for _, tier := range tiers {
		assert.Equal(t, 10*time.Second, tier.Options.Timeout)
		assert.Zero(t, tier.Options.MaximumAge)
	}
}

func TestAcquirer_ClassifiesLowTierFailure(t *testing.T) {
	tests := []struct {
		name     string
		lowErr   error
		sentinel error
		code     string
	}{
		{"timeout code", &PositionError{Code: CodeTimeout}, shared.ErrSensorTimeout, shared.CodeSensorTimeout},
		{"permission code", &PositionError{Code: CodePermissionDenied}, shared.ErrSensorPermissionDenied, shared.CodeSensorPermissionDenied},
		{"unavailable code", &PositionError{Code: CodePositionUnavailable}, shared.ErrSensorUnavailable, shared.CodeSensorUnavailable},
		{"unknown error", errors.New("hardware fault"), shared.ErrSensorUnavailable, shared.CodeSensorUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sensor := &MockSensor{}
			// The high tier's own code must not leak into the result
			sensor.On("CurrentPosition", mock.Anything, highTier()).
				Return(shared.Position{}, &PositionError{Code: CodePermissionDenied}).Once()
			sensor.On("CurrentPosition", mock.Anything, lowTier()).
				Return(shared.Position{}, tt.lowErr).Once()

			acq := NewAcquirer(sensor, time.Second, logger.NewNop())
			_, err := acq.Acquire(context.Background())

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.code, shared.Code(err))
		})
	}
}

func TestAcquirer_NoSensorIsUnsupported(t *testing.T) {
	acq := NewAcquirer(nil, time.Second, logger.NewNop())

	_, err := acq.Acquire(context.Background())

	assert.ErrorIs(t, err, shared.ErrSensorUnsupported)
	assert.True(t, shared.IsTerminal(err))
}

func TestAcquirer_WithFeedSensor(t *testing.T) {
	feed := NewFeedSensor()
	acq := NewAcquirer(feed, 50*time.Millisecond, logger.NewNop())

	t.Run("low accuracy fix answers after high tier times out", func(t *testing.T) {
		done := make(chan shared.Position, 1)
		go func() {
			pos, err := acq.Acquire(context.Background())
			if err == nil {
				done <- pos
			}
			close(done)
		}()

		// Only a coarse fix arrives, repeatedly, until the low tier picks it up.
		deadline := time.After(time.Second)
		for {
			select {
			case pos, ok := <-done:
				require.True(t, ok, "acquire failed")
				assert.Equal(t, 1.5, pos.Latitude)
				return
			case <-deadline:
				t.Fatal("acquire did not finish")
			case <-time.After(5 * time.Millisecond):
				feed.Report(shared.Position{Latitude: 1.5, Longitude: 2.5}, false)
			}
		}
	})

	t.Run("silence is a timeout", func(t *testing.T) {
		_, err := acq.Acquire(context.Background())
		assert.ErrorIs(t, err, shared.ErrSensorTimeout)
	})
}

func TestAcquirer_FeedPermissionDenialIsNotATimeout(t *testing.T) {
	feed := NewFeedSensor()
	acq := NewAcquirer(feed, 200*time.Millisecond, logger.NewNop())

	errs := make(chan error, 1)
	go func() {
		_, err := acq.Acquire(context.Background())
		errs <- err
	}()
	waitPending(t, feed, 1)

	start := time.Now()
	feed.ReportError(CodePermissionDenied, "User denied Geolocation")

	var err error
	select {
	case err = <-errs:
	case <-time.After(time.Second):
		t.Fatal("acquire did not finish")
	}

	assert.ErrorIs(t, err, shared.ErrSensorPermissionDenied)
	assert.NotErrorIs(t, err, shared.ErrSensorTimeout)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

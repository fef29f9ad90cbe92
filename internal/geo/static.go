package geo

import (
	"context"
	"time"

	"github.com/danghamo/busline/internal/domain/shared"
)

// StaticSensor always reports the same coordinate. It suits kiosks mounted at
// a fixed stop and local demos.
type StaticSensor struct {
	Latitude  float64
	Longitude float64
	// Interval paces watch updates; zero means one second.
	Interval time.Duration
}

// CurrentPosition implements Sensor
func (s StaticSensor) CurrentPosition(ctx context.Context, _ PositionOptions) (shared.Position, error) {
	if err := ctx.Err(); err != nil {
		return shared.Position{}, err
	}
	return shared.NewPosition(s.Latitude, s.Longitude), nil
}

// Watch implements Watcher by re-emitting the coordinate on a ticker
func (s StaticSensor) Watch(ctx context.Context, onPosition func(shared.Position), _ func(error)) (Subscription, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		onPosition(shared.NewPosition(s.Latitude, s.Longitude))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				onPosition(shared.NewPosition(s.Latitude, s.Longitude))
			}
		}
	}()

	return cancelSubscription(cancel), nil
}

type cancelSubscription context.CancelFunc

func (c cancelSubscription) Stop() { c() }

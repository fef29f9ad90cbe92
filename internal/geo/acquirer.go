package geo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/pkg/logger"
)

// DefaultTimeout bounds each accuracy tier
const DefaultTimeout = 10 * time.Second

// Tier is one accuracy/timeout configuration tried during acquisition
type Tier struct {
	Name    string
	Options PositionOptions
}

// Tiers returns the HIGH then LOW accuracy tiers for the given timeout
func Tiers(timeout time.Duration) []Tier {
	return []Tier{
		{Name: "high", Options: PositionOptions{EnableHighAccuracy: true, Timeout: timeout}},
		{Name: "low", Options: PositionOptions{EnableHighAccuracy: false, Timeout: timeout}},
	}
}

// Acquirer obtains a single fresh fix, falling back from high to low accuracy
type Acquirer struct {
	sensor Sensor
	tiers  []Tier
	logger *logger.Logger
}

// NewAcquirer creates an acquirer. A nil sensor means the device has no
// location capability and every Acquire fails with ErrSensorUnsupported.
func NewAcquirer(sensor Sensor, timeout time.Duration, log *logger.Logger) *Acquirer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Acquirer{
		sensor: sensor,
		tiers:  Tiers(timeout),
		logger: log.WithComponent("geo-acquirer"),
	}
}

// Acquire tries each tier in order and returns the first fix obtained. Tiers
// never overlap and results are never merged across tiers. When every tier
// fails, the last tier's failure decides the classification.
func (a *Acquirer) Acquire(ctx context.Context) (shared.Position, error) {
	if a.sensor == nil {
		return shared.Position{}, shared.NewSensorError(shared.ErrSensorUnsupported, nil)
	}

	var lastErr error
	for _, tier := range a.tiers {
		pos, err := a.attempt(ctx, tier)
		if err == nil {
			if pos.CapturedAt.IsZero() {
				pos.CapturedAt = time.Now()
			}
			return pos, nil
		}
		if ctx.Err() != nil {
			return shared.Position{}, shared.NewSensorError(shared.ErrSensorTimeout, ctx.Err())
		}

		a.logger.Debug("Location tier failed",
			zap.String("tier", tier.Name),
			zap.Error(err))
		lastErr = err
	}

	return shared.Position{}, Classify(lastErr)
}

func (a *Acquirer) attempt(ctx context.Context, tier Tier) (shared.Position, error) {
	tierCtx, cancel := context.WithTimeout(ctx, tier.Options.Timeout)
	defer cancel()

	pos, err := a.sensor.CurrentPosition(tierCtx, tier.Options)
	if err != nil {
		return shared.Position{}, err
	}
	return pos, nil
}

// Classify maps a raw sensor failure onto the error taxonomy
func Classify(err error) error {
	var posErr *PositionError
	switch {
	case errors.As(err, &posErr) && posErr.Code == CodeTimeout:
		return shared.NewSensorError(shared.ErrSensorTimeout, err)
	case errors.As(err, &posErr) && posErr.Code == CodePermissionDenied:
		return shared.NewSensorError(shared.ErrSensorPermissionDenied, err)
	case errors.Is(err, context.DeadlineExceeded):
		return shared.NewSensorError(shared.ErrSensorTimeout, err)
	default:
		return shared.NewSensorError(shared.ErrSensorUnavailable, err)
	}
}

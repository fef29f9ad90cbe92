package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/danghamo/busline/internal/domain/shared"
)

// PositionError codes, numbered as browsers number them
const (
	CodePermissionDenied    = 1
	CodePositionUnavailable = 2
	CodeTimeout             = 3
)

// PositionError is a failure reported by the position capability
type PositionError struct {
	Code    int
	Message string
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("position error %d: %s", e.Code, e.Message)
}

// PositionOptions configures a single fix request
type PositionOptions struct {
	EnableHighAccuracy bool
	Timeout            time.Duration
	// MaximumAge bounds how old a cached fix may be. Zero never accepts one.
	MaximumAge time.Duration
}

// Sensor answers one-shot position requests
type Sensor interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (shared.Position, error)
}

// Subscription is an active position watch
type Subscription interface {
	Stop()
}

// Watcher delivers a continuous stream of position updates
type Watcher interface {
	Watch(ctx context.Context, onPosition func(shared.Position), onError func(error)) (Subscription, error)
}

package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/schedule"
	"github.com/danghamo/busline/pkg/logger"
)

// DefaultSizeHint is the rendered code's edge length in pixels
const DefaultSizeHint = 200

// Fetcher obtains a fresh opaque code payload
type Fetcher interface {
	FetchCode(ctx context.Context) (string, error)
}

// CodeRenderer draws a payload as a scannable code
type CodeRenderer interface {
	RenderCode(payload string, sizeHint int)
}

// Rotator performs the real work of each rotation window
type Rotator struct {
	busNo     string
	window    time.Duration
	tick      time.Duration
	sizeHint  int
	fetcher   Fetcher
	renderer  CodeRenderer
	countdown *Countdown
	publisher events.EventPublisher
	logger    *logger.Logger
}

// NewRotator wires a rotator to the countdown it resynchronizes
func NewRotator(
	busNo string,
	window, tick time.Duration,
	sizeHint int,
	fetcher Fetcher,
	renderer CodeRenderer,
	countdown *Countdown,
	publisher events.EventPublisher,
	log *logger.Logger,
) *Rotator {
	if sizeHint <= 0 {
		sizeHint = DefaultSizeHint
	}
	if tick <= 0 {
		tick = time.Second
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Rotator{
		busNo:     busNo,
		window:    window,
		tick:      tick,
		sizeHint:  sizeHint,
		fetcher:   fetcher,
		renderer:  renderer,
		countdown: countdown,
		publisher: publisher,
		logger:    log.WithComponent("credential-rotator").WithBusNo(busNo),
	}
}

// Tick fetches and renders a new code, then resets the countdown to the full
// window. A failed fetch leaves the countdown alone; the next tick retries.
func (r *Rotator) Tick(ctx context.Context) error {
	payload, err := r.fetcher.FetchCode(ctx)
	if err != nil {
		return fmt.Errorf("fetch code: %w", err)
	}

	if r.renderer != nil {
		r.renderer.RenderCode(payload, r.sizeHint)
	}
	r.countdown.Reset()

	issuedAt := time.Now()
	if _, at, err := ParsePayload(payload); err == nil {
		issuedAt = at
	}

	if err := r.publisher.Publish(ctx, &events.CredentialRotatedEvent{
		BusNo:     r.busNo,
		IssuedAt:  issuedAt,
		Window:    r.countdown.Window(),
		RequestID: uuid.New().String(),
	}); err != nil {
		r.logger.Debug("Failed to publish rotation event", zap.Error(err))
	}

	r.logger.Debug("Code rotated", zap.Time("issued_at", issuedAt))
	return nil
}

// Tasks returns the countdown and regeneration tasks. The two run on
// independent timers; the regeneration task fires immediately so a code is
// shown on start.
func (r *Rotator) Tasks() []schedule.Task {
	return []schedule.Task{
		{
			Name:     "credential-countdown",
			Phase:    schedule.PhaseCountdown,
			Interval: r.tick,
			Fn:       r.countdown.Tick,
		},
		{
			Name:      "credential-regen",
			Phase:     schedule.PhaseRegen,
			Interval:  r.window,
			Fn:        r.Tick,
			Immediate: true,
		},
	}
}

const payloadTimeLayout = "2006-01-02T15:04:05.999999"

// ParsePayload splits a "<bus>_<issued-at>" payload. The payload is otherwise
// opaque; callers must not rely on this beyond display and logging.
func ParsePayload(payload string) (string, time.Time, error) {
	busNo, stamp, ok := strings.Cut(payload, "_")
	if !ok || busNo == "" {
		return "", time.Time{}, fmt.Errorf("malformed code payload %q", payload)
	}
	at, err := time.ParseInLocation(payloadTimeLayout, stamp, time.Local)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed code timestamp: %w", err)
	}
	return busNo, at, nil
}

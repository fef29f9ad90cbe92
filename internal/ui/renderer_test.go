package ui

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/manifest"
	"github.com/danghamo/busline/pkg/logger"
)

type capturePublisher struct {
	events []*events.SSENotificationEvent
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, event interface{}) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event.(*events.SSENotificationEvent))
	return nil
}

func (c *capturePublisher) last(t *testing.T) *events.SSENotificationEvent {
	t.Helper()
	require.NotEmpty(t, c.events)
	return c.events[len(c.events)-1]
}

func TestRenderer_TargetsStation(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRenderer(pub, "gate-1", logger.NewNop())

	r.Notify("2 new students boarded", "success")

	ev := pub.last(t)
	assert.Equal(t, events.SSENotificationTypeStations, ev.Type)
	assert.Equal(t, []string{"gate-1"}, ev.TargetStations)
	assert.Equal(t, MethodNotify, ev.Method)
	assert.Equal(t, NotifyParams{Message: "2 new students boarded", Level: "success"}, ev.Params)
}

func TestRenderer_BroadcastsWithoutStation(t *testing.T) {
	pub := &capturePublisher{}
	r := NewRenderer(pub, "", logger.NewNop())

	r.Reload()

	ev := pub.last(t)
	assert.Equal(t, events.SSENotificationTypeBroadcast, ev.Type)
	assert.Empty(t, ev.TargetStations)
	assert.Equal(t, MethodReload, ev.Method)
}

func TestRenderer_Methods(t *testing.T) {
	sent := time.Date(2024, 5, 1, 7, 45, 10, 0, time.Local)
	lat, lng := 12.9, 77.6

	tests := []struct {
		name   string
		render func(r *Renderer)
		method string
		params interface{}
	}{
		{
			name:   "manifest",
			render: func(r *Renderer) { r.RenderManifest([]manifest.Entry{{StudentName: "Asha"}}) },
			method: MethodManifest,
			params: ManifestParams{Count: 1, Entries: []manifest.Entry{{StudentName: "Asha"}}},
		},
		{
			name:   "empty manifest",
			render: func(r *Renderer) { r.RenderManifest(nil) },
			method: MethodManifest,
			params: ManifestParams{Count: 0, Entries: []manifest.Entry{}},
		},
		{
			name:   "success outcome",
			render: func(r *Renderer) { r.RenderOutcome(true, "Welcome aboard") },
			method: MethodOutcome,
			params: OutcomeParams{Success: true, Message: "Welcome aboard"},
		},
		{
			name:   "failure outcome offers retry",
			render: func(r *Renderer) { r.RenderOutcome(false, "Wrong bus") },
			method: MethodOutcome,
			params: OutcomeParams{Success: false, Message: "Wrong bus", Retry: true},
		},
		{
			name:   "terminal failure",
			render: func(r *Renderer) { r.RenderFailure(shared.MessageCameraUnavailable, true) },
			method: MethodOutcome,
			params: OutcomeParams{Message: shared.MessageCameraUnavailable, Retry: true, Terminal: true},
		},
		{
			name:   "retryable failure",
			render: func(r *Renderer) { r.RenderFailure("Wrong bus", false) },
			method: MethodOutcome,
			params: OutcomeParams{Message: "Wrong bus", Retry: true},
		},
		{
			name:   "code",
			render: func(r *Renderer) { r.RenderCode("Bus-10_2024-05-01T07:45:10", 200) },
			method: MethodCode,
			params: CodeParams{Payload: "Bus-10_2024-05-01T07:45:10", Size: 200},
		},
		{
			name:   "countdown",
			render: func(r *Renderer) { r.ShowCountdown(7) },
			method: MethodCountdown,
			params: CountdownParams{Remaining: 7},
		},
		{
			name:   "fix",
			render: func(r *Renderer) { r.ShowFix(shared.NewPosition(12.9, 77.6)) },
			method: MethodTrackingStatus,
			params: TrackingParams{State: TrackingFix, Lat: &lat, Lng: &lng},
		},
		{
			name:   "sent",
			render: func(r *Renderer) { r.ShowSent(sent) },
			method: MethodTrackingStatus,
			params: TrackingParams{State: TrackingSent, SentAt: "07:45:10"},
		},
		{
			name:   "error",
			render: func(r *Renderer) { r.ShowError(shared.MessageSensorTimeout) },
			method: MethodTrackingStatus,
			params: TrackingParams{State: TrackingError, Message: shared.MessageSensorTimeout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &capturePublisher{}
			tt.render(NewRenderer(pub, "bus-10", logger.NewNop()))

			ev := pub.last(t)
			assert.Equal(t, tt.method, ev.Method)
			assert.Equal(t, tt.params, ev.Params)
		})
	}
}

func TestRenderer_PublishFailureIsSwallowed(t *testing.T) {
	r := NewRenderer(&capturePublisher{err: errors.New("router closed")}, "gate-1", logger.NewNop())

	assert.NotPanics(t, func() {
		r.Notify("hello", "info")
		r.ShowCountdown(3)
	})
}

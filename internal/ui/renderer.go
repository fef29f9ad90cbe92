// Package ui pushes everything the agent wants the page to show as JSON-RPC
// notifications over the event bus. Every agent's SSE layer then delivers
// them to the pages connected for the target station.
package ui

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/domain/shared"
	"github.com/danghamo/busline/internal/events"
	"github.com/danghamo/busline/internal/manifest"
	"github.com/danghamo/busline/pkg/logger"
)

// Page methods
const (
	MethodNotify         = "ui.notify"
	MethodManifest       = "manifest.render"
	MethodOutcome        = "attendance.outcome"
	MethodCode           = "credential.render"
	MethodCountdown      = "countdown.tick"
	MethodTrackingStatus = "tracking.status"
	MethodReload         = "page.reload"
)

// Tracking status states
const (
	TrackingFix   = "fix"
	TrackingSent  = "sent"
	TrackingError = "error"
)

// NotifyParams is a toast
type NotifyParams struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// ManifestParams is the roster list
type ManifestParams struct {
	Count   int              `json:"count"`
	Entries []manifest.Entry `json:"manifest"`
}

// OutcomeParams is a verification verdict. Retry is offered on failure only.
// Terminal marks a failure caused by a missing camera or location capability.
type OutcomeParams struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Retry    bool   `json:"retry"`
	Terminal bool   `json:"terminal,omitempty"`
}

// CodeParams is a rotating code to draw
type CodeParams struct {
	Payload string `json:"payload"`
	Size    int    `json:"size"`
}

// CountdownParams is the seconds-left display
type CountdownParams struct {
	Remaining int `json:"remaining"`
}

// TrackingParams is the driver's location status line
type TrackingParams struct {
	State   string   `json:"state"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	SentAt  string   `json:"sent_at,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Renderer implements the display collaborators of the tracking session,
// the credential rotator, the manifest poller and the verification flow.
type Renderer struct {
	helper   *events.NotificationHelper
	stations []string
	logger   *logger.Logger
}

// NewRenderer creates a renderer targeting stationID, or every page when
// stationID is empty
func NewRenderer(publisher events.EventPublisher, stationID string, log *logger.Logger) *Renderer {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	r := &Renderer{
		helper: events.NewNotificationHelper(publisher),
		logger: log.WithComponent("ui"),
	}
	if stationID != "" {
		r.stations = []string{stationID}
	}
	return r
}

// Notify raises a toast
func (r *Renderer) Notify(message, level string) {
	r.push(MethodNotify, NotifyParams{Message: message, Level: level})
}

// RenderManifest redraws the roster
func (r *Renderer) RenderManifest(entries []manifest.Entry) {
	if entries == nil {
		entries = []manifest.Entry{}
	}
	r.push(MethodManifest, ManifestParams{Count: len(entries), Entries: entries})
}

// RenderOutcome shows a verification verdict
func (r *Renderer) RenderOutcome(success bool, message string) {
	r.push(MethodOutcome, OutcomeParams{Success: success, Message: message, Retry: !success})
}

// RenderFailure shows a failed verdict
func (r *Renderer) RenderFailure(message string, terminal bool) {
	r.push(MethodOutcome, OutcomeParams{Message: message, Retry: true, Terminal: terminal})
}

// RenderCode draws a rotating code
func (r *Renderer) RenderCode(payload string, sizeHint int) {
	r.push(MethodCode, CodeParams{Payload: payload, Size: sizeHint})
}

// ShowCountdown updates the seconds-left display
func (r *Renderer) ShowCountdown(remaining int) {
	r.push(MethodCountdown, CountdownParams{Remaining: remaining})
}

// ShowFix shows the latest fix
func (r *Renderer) ShowFix(pos shared.Position) {
	lat, lng := pos.Latitude, pos.Longitude
	r.push(MethodTrackingStatus, TrackingParams{State: TrackingFix, Lat: &lat, Lng: &lng})
}

// ShowSent shows when the last heartbeat went out
func (r *Renderer) ShowSent(at time.Time) {
	r.push(MethodTrackingStatus, TrackingParams{State: TrackingSent, SentAt: at.Format("15:04:05")})
}

// ShowError shows a tracking problem
func (r *Renderer) ShowError(message string) {
	r.push(MethodTrackingStatus, TrackingParams{State: TrackingError, Message: message})
}

// Reload returns the page to its initial state
func (r *Renderer) Reload() {
	r.push(MethodReload, struct{}{})
}

func (r *Renderer) push(method string, params interface{}) {
	ctx := context.Background()

	var err error
	if len(r.stations) > 0 {
		err = r.helper.BroadcastToStations(ctx, r.stations, method, params)
	} else {
		err = r.helper.BroadcastToAll(ctx, method, params)
	}
	if err != nil {
		r.logger.Debug("Failed to push page notification",
			zap.String("method", method),
			zap.Error(err))
	}
}

package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/danghamo/busline/internal/api/jsonrpcx"
	"github.com/danghamo/busline/pkg/logger"
)

// Notification methods pushed to pages for domain events
const (
	MethodHeartbeatSent     = "tracking.heartbeat.sent"
	MethodPassengerBoarded  = "manifest.passenger.boarded"
	MethodRosterChanged     = "manifest.roster.changed"
	MethodCredentialRotated = "credential.rotated"
	MethodAttendanceOutcome = "attendance.completed"
)

// SSEBroadcaster interface for broadcasting SSE messages
type SSEBroadcaster interface {
	BroadcastToStations(stationIDs []string, notification jsonrpcx.JsonRpcNotification)
	BroadcastToAll(notification jsonrpcx.JsonRpcNotification)
}

// SSEEventHandler handles events and converts them to SSE notifications
type SSEEventHandler struct {
	sseBroadcaster SSEBroadcaster
	logger         *logger.Logger
}

// NewSSEEventHandler creates a new SSE event handler
func NewSSEEventHandler(sseBroadcaster SSEBroadcaster, logger *logger.Logger) *SSEEventHandler {
	return &SSEEventHandler{
		sseBroadcaster: sseBroadcaster,
		logger:         logger.WithComponent("sse-event-handler"),
	}
}

// HandleHeartbeatSentEvent tells driver pages the backend has the latest fix
func (h *SSEEventHandler) HandleHeartbeatSentEvent(ctx context.Context, event *HeartbeatSentEvent) error {
	h.sseBroadcaster.BroadcastToAll(jsonrpcx.NewNotification(MethodHeartbeatSent, map[string]interface{}{
		"bus_no":     event.BusNo,
		"lat":        event.Position.Latitude,
		"lng":        event.Position.Longitude,
		"mode":       event.Mode,
		"sent_at":    event.SentAt.Format(time.RFC3339),
		"request_id": event.RequestID,
	}))

	h.logger.Debug("Heartbeat event broadcast",
		zap.String("busNo", event.BusNo),
		zap.String("requestId", event.RequestID))

	return nil
}

// HandlePassengerBoardedEvent forwards boarding deltas
func (h *SSEEventHandler) HandlePassengerBoardedEvent(ctx context.Context, event *PassengerBoardedEvent) error {
	h.sseBroadcaster.BroadcastToAll(jsonrpcx.NewNotification(MethodPassengerBoarded, map[string]interface{}{
		"bus_no":         event.BusNo,
		"previous_count": event.PreviousCount,
		"count":          event.Count,
		"newcomers":      event.Newcomers,
		"timestamp":      event.Timestamp.Format(time.RFC3339),
	}))
	return nil
}

// HandleRosterChangedEvent forwards the roster merge patch
func (h *SSEEventHandler) HandleRosterChangedEvent(ctx context.Context, event *RosterChangedEvent) error {
	h.sseBroadcaster.BroadcastToAll(jsonrpcx.NewNotification(MethodRosterChanged, map[string]interface{}{
		"bus_no":    event.BusNo,
		"count":     event.Count,
		"changes":   event.Changes,
		"timestamp": event.Timestamp.Format(time.RFC3339),
	}))
	return nil
}

// HandleCredentialRotatedEvent forwards rotation notices
func (h *SSEEventHandler) HandleCredentialRotatedEvent(ctx context.Context, event *CredentialRotatedEvent) error {
	h.sseBroadcaster.BroadcastToAll(jsonrpcx.NewNotification(MethodCredentialRotated, map[string]interface{}{
		"bus_no":         event.BusNo,
		"issued_at":      event.IssuedAt.Format(time.RFC3339),
		"window_seconds": event.Window,
	}))
	return nil
}

// HandleAttendanceOutcomeEvent sends the verdict to the kiosk that scanned,
// or to every page when the station is unknown
func (h *SSEEventHandler) HandleAttendanceOutcomeEvent(ctx context.Context, event *AttendanceOutcomeEvent) error {
	notification := jsonrpcx.NewNotification(MethodAttendanceOutcome, map[string]interface{}{
		"attempt_id": event.AttemptID,
		"success":    event.Success,
		"code":       event.Code,
		"message":    event.Message,
		"timestamp":  event.Timestamp.Format(time.RFC3339),
	})

	if event.StationID != "" {
		h.sseBroadcaster.BroadcastToStations([]string{event.StationID}, notification)
	} else {
		h.sseBroadcaster.BroadcastToAll(notification)
	}

	h.logger.Debug("Attendance outcome broadcast",
		zap.String("attemptId", event.AttemptID),
		zap.Bool("success", event.Success))

	return nil
}

// HandleSSENotificationEvent handles SSENotificationEvent for distributed SSE messaging
func (h *SSEEventHandler) HandleSSENotificationEvent(ctx context.Context, event *SSENotificationEvent) error {
	h.logger.Debug("Handling SSE notification event",
		zap.String("type", event.Type),
		zap.Strings("targetStations", event.TargetStations),
		zap.String("method", event.Method),
		zap.String("requestId", event.RequestID))

	notification := jsonrpcx.NewNotification(event.Method, event.Params)

	switch event.Type {
	case SSENotificationTypeStations:
		if len(event.TargetStations) > 0 {
			h.sseBroadcaster.BroadcastToStations(event.TargetStations, notification)
		}
	case SSENotificationTypeBroadcast:
		h.sseBroadcaster.BroadcastToAll(notification)
	default:
		h.logger.Warn("Unknown SSE notification type", zap.String("type", event.Type))
	}

	return nil
}

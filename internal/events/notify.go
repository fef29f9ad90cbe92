package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SSENotificationEvent asks every agent's SSE layer to push a JSON-RPC
// notification to its connected pages
type SSENotificationEvent struct {
	Type           string      `json:"type"`
	TargetStations []string    `json:"target_stations,omitempty"` // empty for broadcast
	Method         string      `json:"method"`
	Params         interface{} `json:"params"`
	Timestamp      time.Time   `json:"timestamp"`
	RequestID      string      `json:"request_id"`
}

// Notification targeting
const (
	SSENotificationTypeBroadcast = "broadcast" // every connected page
	SSENotificationTypeStations  = "stations"  // pages of the listed stations only
)

// NotificationHelper turns page notifications into SSENotificationEvents
type NotificationHelper struct {
	eventPublisher EventPublisher
}

// NewNotificationHelper creates a new notification helper
func NewNotificationHelper(eventPublisher EventPublisher) *NotificationHelper {
	return &NotificationHelper{
		eventPublisher: eventPublisher,
	}
}

// BroadcastToAll notifies every connected page on every agent
func (h *NotificationHelper) BroadcastToAll(ctx context.Context, method string, params interface{}) error {
	event := &SSENotificationEvent{
		Type:      SSENotificationTypeBroadcast,
		Method:    method,
		Params:    params,
		Timestamp: time.Now(),
		RequestID: uuid.New().String(),
	}

	return h.eventPublisher.Publish(ctx, event)
}

// BroadcastToStations notifies only the pages registered under the given
// station IDs. Each agent delivers to the stations connected to it.
func (h *NotificationHelper) BroadcastToStations(ctx context.Context, stationIDs []string, method string, params interface{}) error {
	if len(stationIDs) == 0 {
		return nil
	}

	event := &SSENotificationEvent{
		Type:           SSENotificationTypeStations,
		TargetStations: stationIDs,
		Method:         method,
		Params:         params,
		Timestamp:      time.Now(),
		RequestID:      uuid.New().String(),
	}

	return h.eventPublisher.Publish(ctx, event)
}

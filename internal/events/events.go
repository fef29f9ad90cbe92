package events

import (
	"context"
	"time"

	"github.com/danghamo/busline/internal/domain/shared"
)

// EventPublisher publishes domain events. watermill's cqrs.EventBus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

// NopPublisher drops every event
type NopPublisher struct{}

// Publish implements EventPublisher
func (NopPublisher) Publish(context.Context, interface{}) error { return nil }

// HeartbeatSentEvent is raised when the backend acknowledged a driver fix
type HeartbeatSentEvent struct {
	BusNo     string          `json:"bus_no"`
	Position  shared.Position `json:"position"`
	Mode      string          `json:"mode"`
	SentAt    time.Time       `json:"sent_at"`
	RequestID string          `json:"request_id"`
}

// PassengerBoardedEvent is raised when the roster count strictly increases
type PassengerBoardedEvent struct {
	BusNo         string    `json:"bus_no"`
	PreviousCount int       `json:"previous_count"`
	Count         int       `json:"count"`
	Newcomers     []string  `json:"newcomers,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
}

// RosterChangedEvent carries a JSON merge patch between two consecutive
// roster snapshots
type RosterChangedEvent struct {
	BusNo     string                 `json:"bus_no"`
	Count     int                    `json:"count"`
	Changes   map[string]interface{} `json:"changes,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id"`
}

// CredentialRotatedEvent is raised after a new rotating code was fetched and rendered
type CredentialRotatedEvent struct {
	BusNo     string    `json:"bus_no"`
	IssuedAt  time.Time `json:"issued_at"`
	Window    int       `json:"window_seconds"`
	RequestID string    `json:"request_id"`
}

// AttendanceOutcomeEvent is raised when a verification attempt reaches a terminal state
type AttendanceOutcomeEvent struct {
	AttemptID   string    `json:"attempt_id"`
	StationID   string    `json:"station_id,omitempty"`
	Success     bool      `json:"success"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event. Also used as the routing key.
type EventType string

const (
	EventTripCreated       EventType = "trip.created"
	EventTripStatusChanged EventType = "trip.status_changed"
	EventTripOfferDeclined EventType = "trip.offer_declined"
	EventDriverAssigned    EventType = "driver.assigned"
)

// Event is the envelope published to other services.
type Event struct {
	ID         string          `json:"event_id"`
	Type       EventType       `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// TripCreated is published once a confirmed trip has been persisted.
type TripCreated struct {
	TripID        string        `json:"trip_id"`
	RiderID       string        `json:"rider_id"`
	Pickup        Location      `json:"pickup"`
	Destination   Location      `json:"destination"`
	DistanceKm    float64       `json:"distance_km"`
	EstimatedFare FareBreakdown `json:"estimated_fare"`
}

// TripStatusChanged is published after every committed transition.
type TripStatusChanged struct {
	TripID             string     `json:"trip_id"`
	OldStatus          TripStatus `json:"old_status"`
	NewStatus          TripStatus `json:"new_status"`
	DriverID           string     `json:"driver_id,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

// TripOfferDeclined tells the matcher not to offer the trip to the driver again.
type TripOfferDeclined struct {
	TripID   string `json:"trip_id"`
	DriverID string `json:"driver_id"`
}

// DriverAssigned is consumed from the matcher.
type DriverAssigned struct {
	TripID   string `json:"trip_id"`
	DriverID string `json:"driver_id"`
}

// NewEvent wraps payload in an envelope with a fresh id.
func NewEvent(eventType EventType, payload any, at time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: at.UTC(),
		Payload:    body,
	}, nil
}

// DedupKey identifies the logical event so consumers can drop redeliveries.
// Status changes are keyed by trip id and target status.
func (e Event) DedupKey() string {
	switch e.Type {
	case EventTripStatusChanged:
		var p TripStatusChanged
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.TripID + ":" + string(p.NewStatus)
		}
	case EventTripCreated:
		var p TripCreated
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.TripID + ":created"
		}
	case EventTripOfferDeclined:
		var p TripOfferDeclined
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.TripID + ":declined:" + p.DriverID
		}
	case EventDriverAssigned:
		var p DriverAssigned
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.TripID + ":assigned:" + p.DriverID
		}
	}
	return e.ID
}

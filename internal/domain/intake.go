package domain

import "time"

// IntakeState represents the step of a rider intake conversation.
type IntakeState string

const (
	IntakeAwaitingPickup       IntakeState = "AWAITING_PICKUP"
	IntakeAwaitingDestination  IntakeState = "AWAITING_DESTINATION"
	IntakeAwaitingConfirmation IntakeState = "AWAITING_CONFIRMATION"
	IntakeCreated              IntakeState = "CREATED"
	IntakeCancelled            IntakeState = "CANCELLED"
)

// Terminal reports whether the conversation is over.
func (s IntakeState) Terminal() bool {
	return s == IntakeCreated || s == IntakeCancelled
}

// LocationInput is one rider message: either free text or a coordinate pair.
type LocationInput struct {
	Text      string   `json:"text,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// HasCoordinates reports whether the input carries a shared location.
func (in LocationInput) HasCoordinates() bool {
	return in.Latitude != nil && in.Longitude != nil
}

// IntakeSession is the ephemeral state of one rider conversation.
type IntakeSession struct {
	RiderID        string         `json:"rider_id"`
	ConversationID string         `json:"conversation_id"`
	State          IntakeState    `json:"state"`
	Pickup         *Location      `json:"pickup,omitempty"`
	Destination    *Location      `json:"destination,omitempty"`
	Route          *Route         `json:"route,omitempty"`
	Quote          *FareBreakdown `json:"quote,omitempty"`
	IsNight        bool           `json:"is_night"`
	TripID         string         `json:"trip_id,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

package domain

import (
	"fmt"
	"time"
)

// TripStatus represents the current status of a trip.
// The string values are part of the event contract and must stay stable.
type TripStatus string

const (
	TripStatusDraft     TripStatus = "draft"
	TripStatusNew       TripStatus = "new"
	TripStatusSearching TripStatus = "searching"
	TripStatusOnWay     TripStatus = "on_way"
	TripStatusArrived   TripStatus = "arrived"
	TripStatusStarted   TripStatus = "started"
	TripStatusCompleted TripStatus = "completed"
	TripStatusCancelled TripStatus = "cancelled"
)

// TripStatuses lists every status in lifecycle order.
var TripStatuses = []TripStatus{
	TripStatusDraft,
	TripStatusNew,
	TripStatusSearching,
	TripStatusOnWay,
	TripStatusArrived,
	TripStatusStarted,
	TripStatusCompleted,
	TripStatusCancelled,
}

// tripTransitions is the allowed source -> targets table.
var tripTransitions = map[TripStatus][]TripStatus{
	TripStatusDraft:     {TripStatusNew, TripStatusCancelled},
	TripStatusNew:       {TripStatusSearching, TripStatusCancelled},
	TripStatusSearching: {TripStatusOnWay, TripStatusCancelled},
	TripStatusOnWay:     {TripStatusArrived, TripStatusCancelled},
	TripStatusArrived:   {TripStatusStarted, TripStatusCancelled},
	TripStatusStarted:   {TripStatusCompleted, TripStatusCancelled},
	TripStatusCompleted: nil,
	TripStatusCancelled: nil,
}

// ParseTripStatus converts a wire value into a TripStatus.
func ParseTripStatus(s string) (TripStatus, error) {
	status := TripStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown trip status %q", s)
	}
	return status, nil
}

// Valid reports whether s is one of the known statuses.
func (s TripStatus) Valid() bool {
	_, ok := tripTransitions[s]
	return ok
}

// Terminal reports whether no further transitions are allowed from s.
func (s TripStatus) Terminal() bool {
	return s == TripStatusCompleted || s == TripStatusCancelled
}

// CanTransitionTo reports whether the table permits s -> to.
func (s TripStatus) CanTransitionTo(to TripStatus) bool {
	for _, allowed := range tripTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTargets returns the statuses reachable from s in one step.
func (s TripStatus) AllowedTargets() []TripStatus {
	targets := tripTransitions[s]
	out := make([]TripStatus, len(targets))
	copy(out, targets)
	return out
}

func (s TripStatus) String() string {
	return string(s)
}

// MarshalText implements encoding.TextMarshaler.
func (s TripStatus) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText rejects unknown values so they never reach the transition check.
func (s *TripStatus) UnmarshalText(text []byte) error {
	status, err := ParseTripStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Trip is the aggregate for one ride from request to completion or cancellation.
type Trip struct {
	ID                 string
	PassengerID        string
	DriverID           string // Empty until a driver is assigned
	Pickup             Location
	Destination        Location
	Stops              []Location
	DistanceKm         *float64
	DurationMinutes    *int
	Fare               *FareBreakdown
	Status             TripStatus
	CancellationReason string // Set only when cancelled
	CreatedAt          time.Time
	StatusTimes        map[TripStatus]time.Time
}

// EnteredAt returns when the trip first entered status, if it ever did.
func (t *Trip) EnteredAt(status TripStatus) (time.Time, bool) {
	at, ok := t.StatusTimes[status]
	return at, ok
}

// MarkEntered records the first entry into status. Later entries are ignored.
func (t *Trip) MarkEntered(status TripStatus, at time.Time) {
	if t.StatusTimes == nil {
		t.StatusTimes = make(map[TripStatus]time.Time)
	}
	if _, ok := t.StatusTimes[status]; !ok {
		t.StatusTimes[status] = at
	}
}

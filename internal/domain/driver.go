package domain

import "time"

// DriverPhase represents where a driver is in their work cycle.
type DriverPhase string

const (
	DriverPhaseOffline         DriverPhase = "OFFLINE"
	DriverPhaseIdle            DriverPhase = "IDLE"
	DriverPhaseAssigned        DriverPhase = "ASSIGNED"
	DriverPhaseEnRouteToPickup DriverPhase = "EN_ROUTE_TO_PICKUP"
	DriverPhaseArrived         DriverPhase = "ARRIVED"
	DriverPhaseOnTrip          DriverPhase = "ON_TRIP"
)

// Driver is the persisted driver profile.
type Driver struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Verified bool   `json:"verified"`
	Online   bool   `json:"online"`
}

// DriverSession is the live state of one driver. One trip at a time.
type DriverSession struct {
	DriverID      string      `json:"driver_id"`
	Online        bool        `json:"online"`
	CurrentTripID string      `json:"current_trip_id,omitempty"`
	Phase         DriverPhase `json:"phase"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NewDriverSession returns the initial offline session for a driver.
func NewDriverSession(driverID string) *DriverSession {
	return &DriverSession{
		DriverID: driverID,
		Phase:    DriverPhaseOffline,
	}
}

// Busy reports whether the driver is bound to a trip.
func (s *DriverSession) Busy() bool {
	return s.CurrentTripID != ""
}

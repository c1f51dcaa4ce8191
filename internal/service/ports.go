package service

import (
	"context"
	"time"

	"ridecore/internal/domain"
)

// Geocoder resolves addresses and coordinates. Implementations return
// ErrLocationNotResolved when nothing matches.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (domain.Location, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// Router computes a road route. Implementations return ErrRouteNotFound
// when no route exists.
type Router interface {
	Route(ctx context.Context, origin, destination domain.Location) (domain.Route, error)
}

// EventPublisher hands events to the delivery pipeline. Publish returns once
// the event is queued; delivery is retried until the broker acknowledges it.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// TripLocker serializes writers of one trip, possibly across processes.
type TripLocker interface {
	Lock(ctx context.Context, tripID string) (unlock func(), err error)
}

// IntakeStore keeps intake sessions for the lifetime of a conversation.
type IntakeStore interface {
	// Get returns nil, nil when no session exists.
	Get(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error)
	Save(ctx context.Context, session *domain.IntakeSession) error
	Delete(ctx context.Context, riderID, conversationID string) error
}

// DriverSessionStore keeps live driver sessions and the trip -> drivers index.
type DriverSessionStore interface {
	// Get returns nil, nil when the driver has no session yet.
	Get(ctx context.Context, driverID string) (*domain.DriverSession, error)
	// Save writes the session and binds the driver to CurrentTripID when set.
	Save(ctx context.Context, session *domain.DriverSession) error
	// DriversForTrip lists every driver bound to the trip.
	DriversForTrip(ctx context.Context, tripID string) ([]string, error)
	// ReleaseTrip unbinds driverID from the trip, leaving other drivers bound.
	ReleaseTrip(ctx context.Context, tripID, driverID string) error
}

// OfferStore remembers which drivers declined which trips.
type OfferStore interface {
	MarkDeclined(ctx context.Context, tripID, driverID string) error
	HasDeclined(ctx context.Context, tripID, driverID string) (bool, error)
}

// LocationStore keeps the positions of online drivers.
type LocationStore interface {
	UpdateLocation(ctx context.Context, driverID string, lat, lng float64) error
	RemoveLocation(ctx context.Context, driverID string) error
}

// Clock returns the current time. Tests replace it.
type Clock func() time.Time

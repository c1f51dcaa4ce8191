package repository

import (
	"context"
	"time"

	"ridecore/internal/domain"
)

// TripTransition describes one conditional status change.
type TripTransition struct {
	TripID string
	From   domain.TripStatus
	To     domain.TripStatus
	At     time.Time

	// DriverID is recorded only if the trip has no driver yet or already has this one.
	DriverID string

	// CancellationReason is recorded when To is cancelled.
	CancellationReason string
}

// TripRepository defines the persistence operations for trips.
type TripRepository interface {
	// Create persists a new trip.
	Create(ctx context.Context, trip *domain.Trip) error

	// GetByID retrieves a trip by ID.
	GetByID(ctx context.Context, id string) (*domain.Trip, error)

	// Transition applies t only if the stored status still equals t.From.
	// Status, driver, reason and the entry timestamp change in one statement.
	// Returns ErrStaleStatus when the precondition no longer holds.
	Transition(ctx context.Context, t TripTransition) error

	// GetActiveByPassenger retrieves the non-terminal trip of a passenger.
	// Returns nil if no active trip exists.
	GetActiveByPassenger(ctx context.Context, passengerID string) (*domain.Trip, error)
}

package repository

import (
	"context"

	"ridecore/internal/domain"
)

// DriverRepository defines the persistence operations for driver profiles.
type DriverRepository interface {
	// GetByID retrieves a driver by ID.
	GetByID(ctx context.Context, id string) (*domain.Driver, error)

	// SetOnline records whether the driver is accepting work.
	SetOnline(ctx context.Context, id string, online bool) error
}

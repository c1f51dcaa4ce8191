package redis

import (
	"ridecore/internal/service"
)

// Ensure concrete types implement the service ports.
var (
	_ service.TripLocker         = (*LockStore)(nil)
	_ service.IntakeStore        = (*IntakeStore)(nil)
	_ service.DriverSessionStore = (*SessionStore)(nil)
	_ service.OfferStore         = (*OfferStore)(nil)
	_ service.LocationStore      = (*LocationStore)(nil)
	_ service.ProfileCache       = (*CacheStore)(nil)
)

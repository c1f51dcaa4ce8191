package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	driverLocationKey = "drivers:locations"
	driverSeenKey     = "drivers:locations:seen"
)

// DriverLocation is a driver position returned by a radius search.
type DriverLocation struct {
	DriverID   string  `json:"driver_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	DistanceKm float64 `json:"distance_km"`
}

// LocationStore keeps the positions of online drivers in a GEO set, with a
// sorted set of last-update times next to it.
type LocationStore struct {
	client *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewLocationStore creates a new LocationStore. Searches skip drivers whose
// last update is older than maxAge; zero disables the check.
func NewLocationStore(client *redis.Client, maxAge time.Duration) *LocationStore {
	return &LocationStore{client: client, maxAge: maxAge, now: time.Now}
}

// UpdateLocation stores a driver's position and the time it was reported.
func (s *LocationStore) UpdateLocation(ctx context.Context, driverID string, lat, lng float64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, driverLocationKey, &redis.GeoLocation{
			Name:      driverID,
			Longitude: lng,
			Latitude:  lat,
		})
		pipe.ZAdd(ctx, driverSeenKey, redis.Z{Score: float64(s.now().Unix()), Member: driverID})
		return nil
	})
	return err
}

// FindNearbyDrivers returns up to limit drivers within radiusKm, nearest first.
// A non-positive limit returns all of them. Stale positions count against the
// limit before they are filtered out.
func (s *LocationStore) FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]DriverLocation, error) {
	query := &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}
	if limit > 0 {
		query.Count = limit
	}

	results, err := s.client.GeoRadius(ctx, driverLocationKey, lng, lat, query).Result()
	if err != nil {
		return nil, err
	}

	fresh, err := s.fresh(ctx, results)
	if err != nil {
		return nil, err
	}

	locations := make([]DriverLocation, 0, len(results))
	for i, r := range results {
		if !fresh[i] {
			continue
		}
		locations = append(locations, DriverLocation{
			DriverID:   r.Name,
			Latitude:   r.Latitude,
			Longitude:  r.Longitude,
			DistanceKm: r.Dist,
		})
	}
	return locations, nil
}

// fresh reports per result whether its last update is within maxAge.
// Positions without a recorded time are kept.
func (s *LocationStore) fresh(ctx context.Context, results []redis.GeoLocation) ([]bool, error) {
	out := make([]bool, len(results))
	if s.maxAge <= 0 || len(results) == 0 {
		for i := range out {
			out[i] = true
		}
		return out, nil
	}

	pipe := s.client.Pipeline()
	scores := make([]*redis.FloatCmd, len(results))
	for i, r := range results {
		scores[i] = pipe.ZScore(ctx, driverSeenKey, r.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	cutoff := s.now().Add(-s.maxAge).Unix()
	for i, cmd := range scores {
		seen, err := cmd.Result()
		out[i] = errors.Is(err, redis.Nil) || (err == nil && int64(seen) >= cutoff)
	}
	return out, nil
}

// RemoveLocation removes a driver from the geo index.
func (s *LocationStore) RemoveLocation(ctx context.Context, driverID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, driverLocationKey, driverID)
		pipe.ZRem(ctx, driverSeenKey, driverID)
		return nil
	})
	return err
}

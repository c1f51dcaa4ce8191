package service

import (
	"context"
	"fmt"
	"math"

	"ridecore/internal/domain"
)

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between two points.
func HaversineKm(a, b domain.Location) float64 {
	dLat := degreesToRadians(b.Latitude - a.Latitude)
	dLng := degreesToRadians(b.Longitude - a.Longitude)

	rLat1 := degreesToRadians(a.Latitude)
	rLat2 := degreesToRadians(b.Latitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// RouteDistanceKm sums the haversine segments pickup -> stops... -> destination.
// Use it only when no provider road distance is available.
func RouteDistanceKm(points ...domain.Location) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += HaversineKm(points[i-1], points[i])
	}
	return total
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// StraightLineRouter estimates routes from great-circle distance and an average speed.
type StraightLineRouter struct {
	AverageSpeedKmh float64
}

// NewStraightLineRouter creates a StraightLineRouter. Non-positive speeds default to 30 km/h.
func NewStraightLineRouter(averageSpeedKmh float64) *StraightLineRouter {
	if averageSpeedKmh <= 0 {
		averageSpeedKmh = 30
	}
	return &StraightLineRouter{AverageSpeedKmh: averageSpeedKmh}
}

// Route implements Router.
func (r *StraightLineRouter) Route(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	if err := ctx.Err(); err != nil {
		return domain.Route{}, err
	}
	distance := HaversineKm(origin, destination)
	return domain.Route{
		DistanceKm:      math.Round(distance*100) / 100,
		DurationMinutes: int(math.Ceil(distance / r.AverageSpeedKmh * 60)),
	}, nil
}

var _ Router = (*StraightLineRouter)(nil)

// CoordinateGeocoder is the geocoder used without a maps provider. Shared
// locations are accepted and labelled with their coordinates; free-text
// addresses cannot be resolved.
type CoordinateGeocoder struct{}

// Geocode implements Geocoder.
func (CoordinateGeocoder) Geocode(ctx context.Context, address string) (domain.Location, error) {
	return domain.Location{}, fmt.Errorf("%w: geocoding provider not configured", ErrExternalService)
}

// ReverseGeocode implements Geocoder.
func (CoordinateGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%.5f, %.5f", lat, lon), nil
}

var _ Geocoder = CoordinateGeocoder{}

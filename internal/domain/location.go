package domain

import "fmt"

// Location is a resolved geographic point with an optional human-readable address.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// Validate checks that the coordinates are inside WGS84 bounds.
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", l.Longitude)
	}
	return nil
}

func (l Location) String() string {
	if l.Address != "" {
		return l.Address
	}
	return fmt.Sprintf("%.6f,%.6f", l.Latitude, l.Longitude)
}

// Route is a distance/duration estimate between two points.
type Route struct {
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes int     `json:"duration_minutes"`
}

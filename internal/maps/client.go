package maps

import (
	"context"
	"fmt"
	"math"
	"strings"

	"googlemaps.github.io/maps"

	"ridecore/internal/domain"
	"ridecore/internal/service"
)

// Client resolves addresses and driving routes through the Google Maps APIs.
type Client struct {
	client   *maps.Client
	language string
	region   string
}

// Option configures a Client.
type Option func(*options)

type options struct {
	language string
	region   string
	baseURL  string
}

// WithLanguage sets the result language, e.g. "de".
func WithLanguage(lang string) Option {
	return func(o *options) { o.language = lang }
}

// WithRegion biases results to a ccTLD region, e.g. "de".
func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithBaseURL points the client at another endpoint. Used by tests.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// NewClient creates a new Client with the given API key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	clientOpts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, maps.WithBaseURL(o.baseURL))
	}

	client, err := maps.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &Client{client: client, language: o.language, region: o.region}, nil
}

// Geocode resolves a free-text address to its best match.
func (c *Client) Geocode(ctx context.Context, address string) (domain.Location, error) {
	results, err := c.client.Geocode(ctx, &maps.GeocodingRequest{
		Address:  address,
		Language: c.language,
		Region:   c.region,
	})
	if err != nil {
		if noResults(err) {
			return domain.Location{}, fmt.Errorf("%w: %q", service.ErrLocationNotResolved, address)
		}
		return domain.Location{}, fmt.Errorf("geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return domain.Location{}, fmt.Errorf("%w: %q", service.ErrLocationNotResolved, address)
	}

	best := results[0]
	return domain.Location{
		Latitude:  best.Geometry.Location.Lat,
		Longitude: best.Geometry.Location.Lng,
		Address:   best.FormattedAddress,
	}, nil
}

// ReverseGeocode returns the formatted address nearest to a coordinate.
func (c *Client) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	results, err := c.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: lat, Lng: lon},
		Language: c.language,
	})
	if err != nil {
		if noResults(err) {
			return "", fmt.Errorf("%w: %.6f,%.6f", service.ErrLocationNotResolved, lat, lon)
		}
		return "", fmt.Errorf("geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("%w: %.6f,%.6f", service.ErrLocationNotResolved, lat, lon)
	}
	return results[0].FormattedAddress, nil
}

// Route returns the driving distance and duration between two points.
func (c *Client) Route(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	return c.RouteVia(ctx, origin, destination, nil)
}

// RouteVia returns the driving route through stops in order, summed over all legs.
func (c *Client) RouteVia(ctx context.Context, origin, destination domain.Location, stops []domain.Location) (domain.Route, error) {
	req := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
		Language:    c.language,
		Region:      c.region,
	}
	for _, stop := range stops {
		req.Waypoints = append(req.Waypoints, latLng(stop))
	}

	routes, _, err := c.client.Directions(ctx, req)
	if err != nil {
		if noResults(err) {
			return domain.Route{}, fmt.Errorf("%w: %v", service.ErrRouteNotFound, err)
		}
		return domain.Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return domain.Route{}, service.ErrRouteNotFound
	}

	var meters int
	var seconds float64
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
		seconds += leg.Duration.Seconds()
	}

	return domain.Route{
		DistanceKm:      math.Round(float64(meters)/10) / 100,
		DurationMinutes: int(math.Ceil(seconds / 60)),
	}, nil
}

func latLng(loc domain.Location) string {
	return fmt.Sprintf("%f,%f", loc.Latitude, loc.Longitude)
}

// noResults reports the API statuses that mean "nothing matched" rather than a failure.
func noResults(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "ZERO_RESULTS") || strings.Contains(msg, "NOT_FOUND")
}

var (
	_ service.Geocoder = (*Client)(nil)
	_ service.Router   = (*Client)(nil)
)

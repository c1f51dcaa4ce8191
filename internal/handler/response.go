package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridecore/internal/domain"
	"ridecore/internal/service"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response with the appropriate HTTP status code.
func respondError(c *gin.Context, err error) {
	code := mapErrorToHTTPStatus(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, ErrorResponse{Error: err.Error()})
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// respondResult sends data unless err is a real failure. A change that was
// committed but whose event could not be queued is still a success for the
// caller; the failure is only logged.
func respondResult(c *gin.Context, logger *slog.Logger, code int, data any, ok bool, err error) {
	if err != nil {
		if !ok || !errors.Is(err, service.ErrEventNotPublished) {
			respondError(c, err)
			return
		}
		logger.Warn("change committed without event", "path", c.FullPath(), "error", err)
	}
	respondJSON(c, code, data)
}

// mapErrorToHTTPStatus maps the service error categories to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrExternalService):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// bindError wraps a request binding failure as a validation error.
func bindError(err error) error {
	return errors.Join(service.ErrValidation, err)
}

// TripResponse is the HTTP representation of a trip.
type TripResponse struct {
	ID                 string                `json:"id"`
	PassengerID        string                `json:"passenger_id"`
	DriverID           string                `json:"driver_id,omitempty"`
	Status             domain.TripStatus     `json:"status"`
	Pickup             domain.Location       `json:"pickup"`
	Destination        domain.Location       `json:"destination"`
	Stops              []domain.Location     `json:"stops,omitempty"`
	DistanceKm         *float64              `json:"distance_km,omitempty"`
	DurationMinutes    *int                  `json:"duration_minutes,omitempty"`
	Fare               *domain.FareBreakdown `json:"fare,omitempty"`
	CancellationReason string                `json:"cancellation_reason,omitempty"`
	CreatedAt          string                `json:"created_at"`
	StatusTimes        map[string]string     `json:"status_times"`
}

func newTripResponse(trip *domain.Trip) TripResponse {
	times := make(map[string]string, len(trip.StatusTimes))
	for status, at := range trip.StatusTimes {
		times[string(status)] = at.UTC().Format(time.RFC3339)
	}
	return TripResponse{
		ID:                 trip.ID,
		PassengerID:        trip.PassengerID,
		DriverID:           trip.DriverID,
		Status:             trip.Status,
		Pickup:             trip.Pickup,
		Destination:        trip.Destination,
		Stops:              trip.Stops,
		DistanceKm:         trip.DistanceKm,
		DurationMinutes:    trip.DurationMinutes,
		Fare:               trip.Fare,
		CancellationReason: trip.CancellationReason,
		CreatedAt:          trip.CreatedAt.UTC().Format(time.RFC3339),
		StatusTimes:        times,
	}
}

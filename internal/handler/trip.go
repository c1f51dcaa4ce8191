package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/domain"
	"ridecore/internal/service"
)

// TripLifecycle is the trip API used by TripHandler.
type TripLifecycle interface {
	Create(ctx context.Context, req service.CreateTripRequest) (*domain.Trip, error)
	GetTrip(ctx context.Context, tripID string) (*domain.Trip, error)
	StartSearch(ctx context.Context, tripID string) (*domain.Trip, error)
}

// TripCanceller cancels a trip on behalf of either party.
type TripCanceller interface {
	Cancel(ctx context.Context, req service.CancelRequest) (*domain.Trip, error)
}

// TripHandler handles HTTP requests for trips.
type TripHandler struct {
	trips     TripLifecycle
	canceller TripCanceller
	logger    *slog.Logger
}

// NewTripHandler creates a new TripHandler.
func NewTripHandler(trips TripLifecycle, canceller TripCanceller, logger *slog.Logger) *TripHandler {
	return &TripHandler{trips: trips, canceller: canceller, logger: logger}
}

// CreateTripRequest is the HTTP request body for creating a trip directly,
// without an intake conversation.
type CreateTripRequest struct {
	PassengerID      string            `json:"passenger_id"`
	Pickup           *domain.Location  `json:"pickup"`
	Destination      *domain.Location  `json:"destination"`
	Stops            []domain.Location `json:"stops"`
	DistanceKm       *float64          `json:"distance_km"`
	DurationMinutes  *int              `json:"duration_minutes"`
	PickupDistanceKm float64           `json:"pickup_distance_km"`
	WaitingMinutes   float64           `json:"waiting_minutes"`
	IsNight          *bool             `json:"is_night"`
}

// CancelTripRequest is the HTTP request body for cancelling a trip.
type CancelTripRequest struct {
	Party   service.Party `json:"party"`
	ActorID string        `json:"actor_id"`
	Reason  string        `json:"reason"`
}

// Create handles POST /v1/trips
func (h *TripHandler) Create(c *gin.Context) {
	var req CreateTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	trip, err := h.trips.Create(c.Request.Context(), service.CreateTripRequest{
		PassengerID:      req.PassengerID,
		Pickup:           req.Pickup,
		Destination:      req.Destination,
		Stops:            req.Stops,
		DistanceKm:       req.DistanceKm,
		DurationMinutes:  req.DurationMinutes,
		PickupDistanceKm: req.PickupDistanceKm,
		WaitingMinutes:   req.WaitingMinutes,
		IsNight:          req.IsNight,
	})
	h.respondTrip(c, http.StatusCreated, trip, err)
}

// GetTrip handles GET /v1/trips/:id
func (h *TripHandler) GetTrip(c *gin.Context) {
	trip, err := h.trips.GetTrip(c.Request.Context(), c.Param("id"))
	h.respondTrip(c, http.StatusOK, trip, err)
}

// StartSearch handles POST /v1/trips/:id/search
func (h *TripHandler) StartSearch(c *gin.Context) {
	trip, err := h.trips.StartSearch(c.Request.Context(), c.Param("id"))
	h.respondTrip(c, http.StatusOK, trip, err)
}

// Cancel handles POST /v1/trips/:id/cancel
func (h *TripHandler) Cancel(c *gin.Context) {
	var req CancelTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	trip, err := h.canceller.Cancel(c.Request.Context(), service.CancelRequest{
		TripID:  c.Param("id"),
		Party:   req.Party,
		ActorID: req.ActorID,
		Reason:  req.Reason,
	})
	h.respondTrip(c, http.StatusOK, trip, err)
}

func (h *TripHandler) respondTrip(c *gin.Context, code int, trip *domain.Trip, err error) {
	if trip == nil {
		if err == nil {
			err = service.ErrTripNotFound
		}
		respondError(c, err)
		return
	}
	respondResult(c, h.logger, code, newTripResponse(trip), true, err)
}

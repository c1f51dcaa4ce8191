package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ridecore/internal/domain"
	internalRedis "ridecore/internal/redis"
	"ridecore/internal/service"
)

// DriverActions is the driver API used by DriverHandler.
type DriverActions interface {
	Session(ctx context.Context, driverID string) (*domain.DriverSession, error)
	GoOnline(ctx context.Context, driverID string) (*domain.DriverSession, error)
	GoOffline(ctx context.Context, driverID string) (*domain.DriverSession, error)
	UpdateLocation(ctx context.Context, driverID string, lat, lng float64) error
	Assign(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error)
	Accept(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error)
	Decline(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error)
	Arrived(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error)
	Start(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error)
	Complete(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error)
	Cancel(ctx context.Context, req service.CancelRequest) (*domain.Trip, error)
}

// NearbyFinder searches online drivers around a point.
type NearbyFinder interface {
	FindNearbyDrivers(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]internalRedis.DriverLocation, error)
}

// DriverHandler handles HTTP requests for drivers.
type DriverHandler struct {
	drivers DriverActions
	nearby  NearbyFinder
	logger  *slog.Logger
}

// NewDriverHandler creates a new DriverHandler.
func NewDriverHandler(drivers DriverActions, nearby NearbyFinder, logger *slog.Logger) *DriverHandler {
	return &DriverHandler{drivers: drivers, nearby: nearby, logger: logger}
}

// UpdateLocationRequest is the HTTP request body for updating driver location.
type UpdateLocationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TripActionRequest names the trip a driver acts on.
type TripActionRequest struct {
	TripID string `json:"trip_id"`
}

// DriverCancelRequest is the HTTP request body for a driver cancelling a trip.
type DriverCancelRequest struct {
	TripID string `json:"trip_id"`
	Reason string `json:"reason"`
}

// NearbyDriversResponse lists drivers around a point.
type NearbyDriversResponse struct {
	Drivers []internalRedis.DriverLocation `json:"drivers"`
}

// Session handles GET /v1/drivers/:id/session
func (h *DriverHandler) Session(c *gin.Context) {
	session, err := h.drivers.Session(c.Request.Context(), c.Param("id"))
	h.respondSession(c, session, err)
}

// GoOnline handles POST /v1/drivers/:id/online
func (h *DriverHandler) GoOnline(c *gin.Context) {
	session, err := h.drivers.GoOnline(c.Request.Context(), c.Param("id"))
	h.respondSession(c, session, err)
}

// GoOffline handles POST /v1/drivers/:id/offline
func (h *DriverHandler) GoOffline(c *gin.Context) {
	session, err := h.drivers.GoOffline(c.Request.Context(), c.Param("id"))
	h.respondSession(c, session, err)
}

// UpdateLocation handles POST /v1/drivers/:id/location
func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	var req UpdateLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	if err := h.drivers.UpdateLocation(c.Request.Context(), c.Param("id"), req.Lat, req.Lng); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Assign handles POST /v1/drivers/:id/assignments
func (h *DriverHandler) Assign(c *gin.Context) {
	h.tripAction(c, h.drivers.Assign)
}

// Accept handles POST /v1/drivers/:id/accept
func (h *DriverHandler) Accept(c *gin.Context) {
	h.tripAction(c, h.drivers.Accept)
}

// Decline handles POST /v1/drivers/:id/decline
func (h *DriverHandler) Decline(c *gin.Context) {
	h.tripAction(c, h.drivers.Decline)
}

// Arrived handles POST /v1/drivers/:id/arrived
func (h *DriverHandler) Arrived(c *gin.Context) {
	h.tripAction(c, h.drivers.Arrived)
}

// Start handles POST /v1/drivers/:id/start
func (h *DriverHandler) Start(c *gin.Context) {
	h.tripAction(c, h.drivers.Start)
}

// Complete handles POST /v1/drivers/:id/complete
func (h *DriverHandler) Complete(c *gin.Context) {
	h.tripAction(c, h.drivers.Complete)
}

// Cancel handles POST /v1/drivers/:id/cancel
func (h *DriverHandler) Cancel(c *gin.Context) {
	var req DriverCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	trip, err := h.drivers.Cancel(c.Request.Context(), service.CancelRequest{
		TripID:  req.TripID,
		Party:   service.PartyDriver,
		ActorID: c.Param("id"),
		Reason:  req.Reason,
	})
	if trip == nil {
		respondError(c, err)
		return
	}
	respondResult(c, h.logger, http.StatusOK, newTripResponse(trip), true, err)
}

// Nearby handles GET /v1/drivers/nearby?lat=&lng=&radius_km=&limit=
func (h *DriverHandler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		respondError(c, service.ErrInvalidLocation)
		return
	}
	if err := (domain.Location{Latitude: lat, Longitude: lng}).Validate(); err != nil {
		respondError(c, bindError(err))
		return
	}

	radius, err := strconv.ParseFloat(c.DefaultQuery("radius_km", "3"), 64)
	if err != nil || radius <= 0 {
		respondError(c, bindError(strconv.ErrSyntax))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		respondError(c, bindError(err))
		return
	}

	drivers, err := h.nearby.FindNearbyDrivers(c.Request.Context(), lat, lng, radius, limit)
	if err != nil {
		respondError(c, errors.Join(service.ErrExternalService, err))
		return
	}
	respondJSON(c, http.StatusOK, NearbyDriversResponse{Drivers: drivers})
}

func (h *DriverHandler) tripAction(
	c *gin.Context,
	action func(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error),
) {
	var req TripActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, bindError(err))
		return
	}

	session, err := action(c.Request.Context(), c.Param("id"), req.TripID)
	h.respondSession(c, session, err)
}

func (h *DriverHandler) respondSession(c *gin.Context, session *domain.DriverSession, err error) {
	if session == nil {
		respondError(c, err)
		return
	}
	respondResult(c, h.logger, http.StatusOK, session, true, err)
}

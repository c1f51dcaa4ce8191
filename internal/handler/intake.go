package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/domain"
	"ridecore/internal/service"
)

// IntakeFlow is the rider conversation used by IntakeHandler.
type IntakeFlow interface {
	Start(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error)
	Submit(ctx context.Context, riderID, conversationID string, input domain.LocationInput) (*domain.IntakeSession, error)
	Confirm(ctx context.Context, riderID, conversationID string) (*service.IntakeResult, error)
	Cancel(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error)
	Get(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error)
}

// IntakeHandler handles HTTP requests for rider intake conversations.
type IntakeHandler struct {
	intake IntakeFlow
	logger *slog.Logger
}

// NewIntakeHandler creates a new IntakeHandler.
func NewIntakeHandler(intake IntakeFlow, logger *slog.Logger) *IntakeHandler {
	return &IntakeHandler{intake: intake, logger: logger}
}

// IntakeResponse is the HTTP response for intake operations. Prompt tells the
// rider what to send next.
type IntakeResponse struct {
	Session *domain.IntakeSession `json:"session"`
	Prompt  string                `json:"prompt,omitempty"`
	Trip    *TripResponse         `json:"trip,omitempty"`
}

// IntakeErrorResponse carries the unchanged session along with the error.
type IntakeErrorResponse struct {
	Error   string                `json:"error"`
	Session *domain.IntakeSession `json:"session,omitempty"`
	Prompt  string                `json:"prompt,omitempty"`
}

func prompt(state domain.IntakeState) string {
	switch state {
	case domain.IntakeAwaitingPickup:
		return "Where should we pick you up? Send an address or share your location."
	case domain.IntakeAwaitingDestination:
		return "Where are you going?"
	case domain.IntakeAwaitingConfirmation:
		return "Confirm the quote to book the trip, or cancel."
	case domain.IntakeCreated:
		return "Your trip is booked. We are looking for a driver."
	case domain.IntakeCancelled:
		return "Booking cancelled."
	default:
		return ""
	}
}

func conversation(c *gin.Context) (string, string) {
	return c.Param("rider_id"), c.Param("conversation_id")
}

func (h *IntakeHandler) respondSession(c *gin.Context, session *domain.IntakeSession, err error) {
	if err != nil {
		if session == nil {
			respondError(c, err)
			return
		}
		c.JSON(mapErrorToHTTPStatus(err), IntakeErrorResponse{
			Error:   err.Error(),
			Session: session,
			Prompt:  prompt(session.State),
		})
		return
	}
	respondJSON(c, http.StatusOK, IntakeResponse{Session: session, Prompt: prompt(session.State)})
}

// Start handles POST /v1/intake/:rider_id/:conversation_id/start
func (h *IntakeHandler) Start(c *gin.Context) {
	riderID, conversationID := conversation(c)
	session, err := h.intake.Start(c.Request.Context(), riderID, conversationID)
	h.respondSession(c, session, err)
}

// Input handles POST /v1/intake/:rider_id/:conversation_id/input
func (h *IntakeHandler) Input(c *gin.Context) {
	var input domain.LocationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, bindError(err))
		return
	}

	riderID, conversationID := conversation(c)
	session, err := h.intake.Submit(c.Request.Context(), riderID, conversationID, input)
	h.respondSession(c, session, err)
}

// Confirm handles POST /v1/intake/:rider_id/:conversation_id/confirm
func (h *IntakeHandler) Confirm(c *gin.Context) {
	riderID, conversationID := conversation(c)
	result, err := h.intake.Confirm(c.Request.Context(), riderID, conversationID)
	if result == nil || result.Trip == nil {
		var session *domain.IntakeSession
		if result != nil {
			session = result.Session
		}
		h.respondSession(c, session, err)
		return
	}

	// The trip exists; anything that failed afterwards is not the rider's problem.
	if err != nil {
		h.logger.Warn("trip created with follow-up failure", "trip_id", result.Trip.ID, "error", err)
	}
	trip := newTripResponse(result.Trip)
	respondJSON(c, http.StatusCreated, IntakeResponse{
		Session: result.Session,
		Prompt:  prompt(result.Session.State),
		Trip:    &trip,
	})
}

// Cancel handles POST /v1/intake/:rider_id/:conversation_id/cancel
func (h *IntakeHandler) Cancel(c *gin.Context) {
	riderID, conversationID := conversation(c)
	session, err := h.intake.Cancel(c.Request.Context(), riderID, conversationID)
	h.respondSession(c, session, err)
}

// Get handles GET /v1/intake/:rider_id/:conversation_id
func (h *IntakeHandler) Get(c *gin.Context) {
	riderID, conversationID := conversation(c)
	session, err := h.intake.Get(c.Request.Context(), riderID, conversationID)
	h.respondSession(c, session, err)
}

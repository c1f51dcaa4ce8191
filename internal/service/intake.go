package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ridecore/internal/domain"
	"ridecore/internal/metrics"
)

// IntakeService runs the rider conversation that collects pickup and
// destination, quotes the fare and creates the trip on confirmation.
// Inputs for one conversation are processed one at a time.
type IntakeService struct {
	store    IntakeStore
	trips    *TripService
	geocoder Geocoder
	router   Router
	fares    *FareCalculator
	metrics  *metrics.Metrics
	now      Clock
	convs    *keyedMutex
}

// NewIntakeService creates a new IntakeService.
func NewIntakeService(
	store IntakeStore,
	trips *TripService,
	geocoder Geocoder,
	router Router,
	fares *FareCalculator,
	m *metrics.Metrics,
) *IntakeService {
	return &IntakeService{
		store:    store,
		trips:    trips,
		geocoder: geocoder,
		router:   router,
		fares:    fares,
		metrics:  m,
		now:      time.Now,
		convs:    newKeyedMutex(),
	}
}

// IntakeResult is the session after an input, plus the trip once created.
type IntakeResult struct {
	Session *domain.IntakeSession
	Trip    *domain.Trip
}

// Start opens a session in AWAITING_PICKUP. An open session for the same
// conversation is returned as is. A rider with an active trip is rejected
// before anything is stored.
func (s *IntakeService) Start(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error) {
	if err := validateConversation(riderID, conversationID); err != nil {
		return nil, err
	}

	unlock, err := s.convs.Lock(ctx, conversationKey(riderID, conversationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.store.Get(ctx, riderID, conversationID)
	if err != nil {
		return nil, external("load intake session", err)
	}
	if existing != nil && !existing.State.Terminal() {
		return existing, nil
	}

	if err := s.ensureNoActiveTrip(ctx, riderID); err != nil {
		return nil, err
	}

	now := s.now()
	session := &domain.IntakeSession{
		RiderID:        riderID,
		ConversationID: conversationID,
		State:          domain.IntakeAwaitingPickup,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Save(ctx, session); err != nil {
		return nil, external("save intake session", err)
	}
	return session, nil
}

// Submit feeds one location input to the session and advances it by one step.
// On any failure the stored session is left untouched and returned with the error.
func (s *IntakeService) Submit(ctx context.Context, riderID, conversationID string, input domain.LocationInput) (*domain.IntakeSession, error) {
	if err := validateConversation(riderID, conversationID); err != nil {
		return nil, err
	}

	unlock, err := s.convs.Lock(ctx, conversationKey(riderID, conversationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.load(ctx, riderID, conversationID)
	if err != nil {
		return nil, err
	}

	switch session.State {
	case domain.IntakeAwaitingPickup:
		pickup, err := s.resolve(ctx, input)
		if err != nil {
			return session, err
		}
		next := *session
		next.Pickup = &pickup
		next.State = domain.IntakeAwaitingDestination
		return s.save(ctx, session, &next)

	case domain.IntakeAwaitingDestination:
		destination, err := s.resolve(ctx, input)
		if err != nil {
			return session, err
		}

		route, err := s.router.Route(ctx, *session.Pickup, destination)
		if err != nil {
			if errors.Is(err, ErrRouteNotFound) {
				return session, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
			}
			if errors.Is(err, ErrExternalService) {
				return session, err
			}
			return session, external("route", err)
		}

		isNight := s.fares.Tariff().IsNight(s.now())
		quote := s.fares.Calculate(FareRequest{
			DistanceKm: route.DistanceKm,
			IsNight:    isNight,
		})

		next := *session
		next.Destination = &destination
		next.Route = &route
		next.Quote = &quote
		next.IsNight = isNight
		next.State = domain.IntakeAwaitingConfirmation
		return s.save(ctx, session, &next)

	case domain.IntakeAwaitingConfirmation:
		return session, ErrUnexpectedInput

	default:
		return session, ErrIntakeSessionNotFound
	}
}

// Confirm creates the trip from a session awaiting confirmation and discards the session.
func (s *IntakeService) Confirm(ctx context.Context, riderID, conversationID string) (*IntakeResult, error) {
	if err := validateConversation(riderID, conversationID); err != nil {
		return nil, err
	}

	unlock, err := s.convs.Lock(ctx, conversationKey(riderID, conversationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.load(ctx, riderID, conversationID)
	if err != nil {
		return nil, err
	}
	if session.State != domain.IntakeAwaitingConfirmation {
		return &IntakeResult{Session: session}, ErrIntakeNotReady
	}

	if err := s.ensureNoActiveTrip(ctx, riderID); err != nil {
		return &IntakeResult{Session: session}, err
	}

	req := CreateTripRequest{
		PassengerID: riderID,
		Pickup:      session.Pickup,
		Destination: session.Destination,
		IsNight:     &session.IsNight,
	}
	if session.Route != nil {
		req.DistanceKm = &session.Route.DistanceKm
		req.DurationMinutes = &session.Route.DurationMinutes
	}

	trip, err := s.trips.Create(ctx, req)
	if trip == nil {
		return &IntakeResult{Session: session}, err
	}

	// The trip exists from here on, so the session is over even if the
	// creation event could not be queued.
	if delErr := s.store.Delete(ctx, riderID, conversationID); delErr != nil && err == nil {
		err = external("discard intake session", delErr)
	}

	done := *session
	done.State = domain.IntakeCreated
	done.TripID = trip.ID
	done.UpdatedAt = s.now()
	s.metrics.IntakeOutcome("created")

	return &IntakeResult{Session: &done, Trip: trip}, err
}

// Cancel abandons a non-terminal session without creating a trip.
func (s *IntakeService) Cancel(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error) {
	if err := validateConversation(riderID, conversationID); err != nil {
		return nil, err
	}

	unlock, err := s.convs.Lock(ctx, conversationKey(riderID, conversationID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.load(ctx, riderID, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, riderID, conversationID); err != nil {
		return session, external("discard intake session", err)
	}

	done := *session
	done.State = domain.IntakeCancelled
	done.UpdatedAt = s.now()
	s.metrics.IntakeOutcome("cancelled")
	return &done, nil
}

// Get returns the open session of a conversation.
func (s *IntakeService) Get(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error) {
	if err := validateConversation(riderID, conversationID); err != nil {
		return nil, err
	}
	return s.load(ctx, riderID, conversationID)
}

// resolve turns rider input into a location. Coordinates are reverse geocoded
// for their address, text is forward geocoded.
func (s *IntakeService) resolve(ctx context.Context, input domain.LocationInput) (domain.Location, error) {
	if input.HasCoordinates() {
		loc := domain.Location{Latitude: *input.Latitude, Longitude: *input.Longitude}
		if err := loc.Validate(); err != nil {
			return domain.Location{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
		}
		address, err := s.geocoder.ReverseGeocode(ctx, loc.Latitude, loc.Longitude)
		if err != nil {
			return domain.Location{}, geocodeError("reverse geocode", err)
		}
		loc.Address = address
		return loc, nil
	}

	text := strings.TrimSpace(input.Text)
	if text == "" {
		return domain.Location{}, ErrEmptyAddress
	}
	loc, err := s.geocoder.Geocode(ctx, text)
	if err != nil {
		return domain.Location{}, geocodeError("geocode", err)
	}
	if loc.Address == "" {
		loc.Address = text
	}
	return loc, nil
}

func geocodeError(op string, err error) error {
	if errors.Is(err, ErrLocationNotResolved) || errors.Is(err, ErrExternalService) {
		return err
	}
	return external(op, err)
}

func (s *IntakeService) ensureNoActiveTrip(ctx context.Context, riderID string) error {
	active, err := s.trips.ActiveTrip(ctx, riderID)
	if err != nil {
		return err
	}
	if active != nil {
		return ErrActiveTripExists
	}
	return nil
}

func (s *IntakeService) load(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error) {
	session, err := s.store.Get(ctx, riderID, conversationID)
	if err != nil {
		return nil, external("load intake session", err)
	}
	if session == nil || session.State.Terminal() {
		return nil, ErrIntakeSessionNotFound
	}
	return session, nil
}

// save persists next. If that fails, prev is returned so the caller still
// sees the last stored state.
func (s *IntakeService) save(ctx context.Context, prev, next *domain.IntakeSession) (*domain.IntakeSession, error) {
	next.UpdatedAt = s.now()
	if err := s.store.Save(ctx, next); err != nil {
		return prev, external("save intake session", err)
	}
	return next, nil
}

func validateConversation(riderID, conversationID string) error {
	if strings.TrimSpace(riderID) == "" {
		return ErrInvalidRiderID
	}
	if strings.TrimSpace(conversationID) == "" {
		return ErrInvalidConversationID
	}
	return nil
}

func conversationKey(riderID, conversationID string) string {
	return riderID + "/" + conversationID
}

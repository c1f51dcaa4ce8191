package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"ridecore/internal/domain"
	"ridecore/internal/metrics"
	"ridecore/internal/repository"
)

const defaultCancellationReason = "unspecified"

// TripService owns trip status and enforces the transition table.
type TripService struct {
	tripRepo  repository.TripRepository
	fares     *FareCalculator
	publisher EventPublisher
	locker    TripLocker
	metrics   *metrics.Metrics
	now       Clock
}

// TripOption configures a TripService.
type TripOption func(*TripService)

// WithTripLocker replaces the in-process per-trip lock.
func WithTripLocker(l TripLocker) TripOption {
	return func(s *TripService) {
		s.locker = l
	}
}

// WithTripMetrics records transitions on m.
func WithTripMetrics(m *metrics.Metrics) TripOption {
	return func(s *TripService) {
		s.metrics = m
	}
}

// WithTripClock overrides time.Now.
func WithTripClock(c Clock) TripOption {
	return func(s *TripService) {
		s.now = c
	}
}

// NewTripService creates a new TripService.
func NewTripService(
	tripRepo repository.TripRepository,
	fares *FareCalculator,
	publisher EventPublisher,
	opts ...TripOption,
) *TripService {
	s := &TripService{
		tripRepo:  tripRepo,
		fares:     fares,
		publisher: publisher,
		locker:    NewLocalTripLocker(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTripRequest contains the parameters for creating a trip.
type CreateTripRequest struct {
	PassengerID string
	Pickup      *domain.Location
	Destination *domain.Location
	Stops       []domain.Location

	// DistanceKm and DurationMinutes come from the routing provider.
	// Without DistanceKm the haversine sum over the stops is used.
	DistanceKm      *float64
	DurationMinutes *int

	PickupDistanceKm float64
	WaitingMinutes   float64

	// IsNight defaults to the tariff night window at creation time.
	IsNight *bool
}

// Create quotes and persists a trip in status new, then publishes trip.created.
// If the trip is stored but the event cannot be queued, the trip is returned
// together with ErrEventNotPublished.
func (s *TripService) Create(ctx context.Context, req CreateTripRequest) (*domain.Trip, error) {
	if strings.TrimSpace(req.PassengerID) == "" {
		return nil, ErrInvalidRiderID
	}
	if req.Pickup == nil {
		return nil, ErrMissingPickup
	}
	if req.Destination == nil {
		return nil, ErrMissingDestination
	}
	for _, loc := range append([]domain.Location{*req.Pickup, *req.Destination}, req.Stops...) {
		if err := loc.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
		}
	}

	now := s.now()

	var distance float64
	if req.DistanceKm != nil {
		distance = math.Max(*req.DistanceKm, 0)
	} else {
		points := make([]domain.Location, 0, len(req.Stops)+2)
		points = append(points, *req.Pickup)
		points = append(points, req.Stops...)
		points = append(points, *req.Destination)
		distance = math.Round(RouteDistanceKm(points...)*100) / 100
	}

	isNight := s.fares.Tariff().IsNight(now)
	if req.IsNight != nil {
		isNight = *req.IsNight
	}

	fare := s.fares.Calculate(FareRequest{
		DistanceKm:       distance,
		PickupDistanceKm: req.PickupDistanceKm,
		WaitingMinutes:   req.WaitingMinutes,
		IsNight:          isNight,
		StopsCount:       len(req.Stops),
	})

	trip := &domain.Trip{
		ID:              uuid.New().String(),
		PassengerID:     req.PassengerID,
		Pickup:          *req.Pickup,
		Destination:     *req.Destination,
		Stops:           req.Stops,
		DistanceKm:      &distance,
		DurationMinutes: req.DurationMinutes,
		Fare:            &fare,
		Status:          domain.TripStatusNew,
		CreatedAt:       now,
	}
	trip.MarkEntered(domain.TripStatusNew, now)

	if err := s.tripRepo.Create(ctx, trip); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrActiveTripExists
		}
		return nil, external("create trip", err)
	}

	event, err := domain.NewEvent(domain.EventTripCreated, domain.TripCreated{
		TripID:        trip.ID,
		RiderID:       trip.PassengerID,
		Pickup:        trip.Pickup,
		Destination:   trip.Destination,
		DistanceKm:    distance,
		EstimatedFare: fare,
	}, now)
	if err != nil {
		return trip, fmt.Errorf("%w: %v", ErrEventNotPublished, err)
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		return trip, fmt.Errorf("%w: %v", ErrEventNotPublished, err)
	}

	return trip, nil
}

// AdvanceRequest contains the parameters for a status change.
type AdvanceRequest struct {
	TripID   string
	To       domain.TripStatus
	DriverID string // Required when moving to on_way
	Reason   string // Used when moving to cancelled
}

// Advance moves a trip to req.To. The transition is checked against the stored
// status and committed with a conditional update, so a caller that observed a
// stale status gets a TransitionError instead of overwriting.
func (s *TripService) Advance(ctx context.Context, req AdvanceRequest) (*domain.Trip, error) {
	if strings.TrimSpace(req.TripID) == "" {
		return nil, ErrInvalidTripID
	}
	if !req.To.Valid() {
		return nil, ErrInvalidStatus
	}
	if req.To == domain.TripStatusOnWay && strings.TrimSpace(req.DriverID) == "" {
		return nil, ErrDriverRequired
	}

	unlock, err := s.locker.Lock(ctx, req.TripID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	defer unlock()

	trip, err := s.get(ctx, req.TripID)
	if err != nil {
		return nil, err
	}

	if err := s.check(trip, req); err != nil {
		return nil, err
	}

	now := s.now()
	transition := repository.TripTransition{
		TripID: trip.ID,
		From:   trip.Status,
		To:     req.To,
		At:     now,
	}
	if req.To == domain.TripStatusOnWay {
		transition.DriverID = req.DriverID
	}
	if req.To == domain.TripStatusCancelled {
		transition.CancellationReason = req.Reason
		if transition.CancellationReason == "" {
			transition.CancellationReason = defaultCancellationReason
		}
	}

	if err := s.tripRepo.Transition(ctx, transition); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrTripNotFound
		case errors.Is(err, repository.ErrStaleStatus):
			return nil, s.staleError(ctx, req)
		default:
			return nil, external("update trip status", err)
		}
	}

	oldStatus := trip.Status
	trip.Status = req.To
	trip.MarkEntered(req.To, now)
	if transition.DriverID != "" {
		trip.DriverID = transition.DriverID
	}
	if req.To == domain.TripStatusCancelled {
		trip.CancellationReason = transition.CancellationReason
	}
	s.metrics.TripTransition(string(oldStatus), string(req.To))

	event, err := domain.NewEvent(domain.EventTripStatusChanged, domain.TripStatusChanged{
		TripID:             trip.ID,
		OldStatus:          oldStatus,
		NewStatus:          trip.Status,
		DriverID:           trip.DriverID,
		CancellationReason: trip.CancellationReason,
	}, now)
	if err != nil {
		return trip, fmt.Errorf("%w: %v", ErrEventNotPublished, err)
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		return trip, fmt.Errorf("%w: %v", ErrEventNotPublished, err)
	}

	return trip, nil
}

// check validates req against the current trip. A terminal trip rejects
// everything as an invalid transition, including a second assignment.
func (s *TripService) check(trip *domain.Trip, req AdvanceRequest) error {
	if trip.Status.Terminal() {
		s.metrics.TripTransitionRejected("invalid")
		return &TransitionError{TripID: trip.ID, From: trip.Status, To: req.To}
	}
	if req.To == domain.TripStatusOnWay && trip.DriverID != "" && trip.DriverID != req.DriverID {
		s.metrics.TripTransitionRejected("conflict")
		return ErrDriverAlreadyAssigned
	}
	if !trip.Status.CanTransitionTo(req.To) {
		s.metrics.TripTransitionRejected("invalid")
		return &TransitionError{TripID: trip.ID, From: trip.Status, To: req.To}
	}
	return nil
}

// staleError classifies a failed conditional update against the fresh row.
func (s *TripService) staleError(ctx context.Context, req AdvanceRequest) error {
	s.metrics.TripTransitionRejected("stale")

	current, err := s.get(ctx, req.TripID)
	if err != nil {
		return err
	}
	if err := s.check(current, req); err != nil {
		return err
	}
	return &TransitionError{TripID: current.ID, From: current.Status, To: req.To}
}

// StartSearch moves a new trip to searching.
func (s *TripService) StartSearch(ctx context.Context, tripID string) (*domain.Trip, error) {
	return s.Advance(ctx, AdvanceRequest{TripID: tripID, To: domain.TripStatusSearching})
}

// Cancel moves a non-terminal trip to cancelled with reason.
func (s *TripService) Cancel(ctx context.Context, tripID, reason string) (*domain.Trip, error) {
	return s.Advance(ctx, AdvanceRequest{TripID: tripID, To: domain.TripStatusCancelled, Reason: reason})
}

// GetTrip retrieves a trip by ID.
func (s *TripService) GetTrip(ctx context.Context, tripID string) (*domain.Trip, error) {
	if strings.TrimSpace(tripID) == "" {
		return nil, ErrInvalidTripID
	}
	return s.get(ctx, tripID)
}

// ActiveTrip returns the passenger's non-terminal trip, or nil.
func (s *TripService) ActiveTrip(ctx context.Context, passengerID string) (*domain.Trip, error) {
	trip, err := s.tripRepo.GetActiveByPassenger(ctx, passengerID)
	if err != nil {
		return nil, external("load active trip", err)
	}
	return trip, nil
}

func (s *TripService) get(ctx context.Context, tripID string) (*domain.Trip, error) {
	trip, err := s.tripRepo.GetByID(ctx, tripID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTripNotFound
		}
		return nil, external("load trip", err)
	}
	return trip, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ridecore/internal/domain"
	"ridecore/internal/metrics"
	"ridecore/internal/repository"
)

// Party identifies who asked for a cancellation.
type Party string

const (
	PartyRider  Party = "rider"
	PartyDriver Party = "driver"
)

// reasonDriverOffline is recorded when a driver leaves mid-pickup.
const reasonDriverOffline = "driver_went_offline"

// DriverService tracks driver sessions and drives the trip lifecycle in
// lockstep with driver actions.
type DriverService struct {
	sessions   DriverSessionStore
	driverRepo repository.DriverRepository
	trips      *TripService
	offers     OfferStore
	locations  LocationStore
	publisher  EventPublisher
	profiles   ProfileCache
	metrics    *metrics.Metrics
	now        Clock
	drivers    *keyedMutex
}

// ProfileCache caches driver profiles. Optional.
type ProfileCache interface {
	// GetDriver returns nil, nil on a miss.
	GetDriver(ctx context.Context, driverID string) (*domain.Driver, error)
	SetDriver(ctx context.Context, driver *domain.Driver) error
	InvalidateDriver(ctx context.Context, driverID string) error
}

// DriverDeps groups the collaborators of DriverService.
type DriverDeps struct {
	Sessions   DriverSessionStore
	DriverRepo repository.DriverRepository
	Trips      *TripService
	Offers     OfferStore
	Locations  LocationStore
	Publisher  EventPublisher
	Profiles   ProfileCache
	Metrics    *metrics.Metrics
}

// NewDriverService creates a new DriverService.
func NewDriverService(deps DriverDeps) *DriverService {
	return &DriverService{
		sessions:   deps.Sessions,
		driverRepo: deps.DriverRepo,
		trips:      deps.Trips,
		offers:     deps.Offers,
		locations:  deps.Locations,
		publisher:  deps.Publisher,
		profiles:   deps.Profiles,
		metrics:    deps.Metrics,
		now:        time.Now,
		drivers:    newKeyedMutex(),
	}
}

// Session returns the driver's session, OFFLINE if none was stored yet.
func (s *DriverService) Session(ctx context.Context, driverID string) (*domain.DriverSession, error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, ErrInvalidDriverID
	}
	return s.load(ctx, driverID)
}

// GoOnline moves an OFFLINE driver to IDLE. Only verified drivers may go online.
func (s *DriverService) GoOnline(ctx context.Context, driverID string) (*domain.DriverSession, error) {
	unlock, err := s.lock(ctx, driverID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	driver, err := s.profile(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !driver.Verified {
		return nil, ErrDriverNotVerified
	}

	session, err := s.load(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if session.Online {
		return session, nil
	}

	if err := s.setOnline(ctx, driverID, true); err != nil {
		return nil, err
	}

	session.Online = true
	session.Phase = domain.DriverPhaseIdle
	return s.save(ctx, session)
}

// GoOffline takes a driver offline from any phase except ON_TRIP. A pending
// offer is declined; a trip still before pickup is cancelled.
func (s *DriverService) GoOffline(ctx context.Context, driverID string) (*domain.DriverSession, error) {
	unlock, err := s.lock(ctx, driverID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.load(ctx, driverID)
	if err != nil {
		return nil, err
	}

	var tripErr error
	switch session.Phase {
	case domain.DriverPhaseOffline:
		return session, nil
	case domain.DriverPhaseOnTrip:
		return nil, &PhaseError{DriverID: driverID, Phase: session.Phase, Action: "go offline"}
	case domain.DriverPhaseAssigned:
		tripErr = s.declineOffer(ctx, driverID, session.CurrentTripID)
	case domain.DriverPhaseEnRouteToPickup, domain.DriverPhaseArrived:
		_, tripErr = s.trips.Cancel(ctx, session.CurrentTripID, reasonDriverOffline)
		if errors.Is(tripErr, ErrInvalidTransition) {
			// Already finished by the other party.
			tripErr = nil
		}
	}
	if tripErr != nil && !committed(tripErr) {
		return nil, tripErr
	}

	if err := s.setOnline(ctx, driverID, false); err != nil {
		return nil, err
	}
	if s.locations != nil {
		if err := s.locations.RemoveLocation(ctx, driverID); err != nil {
			return nil, external("remove driver location", err)
		}
	}

	if err := s.unbind(ctx, session); err != nil {
		return nil, err
	}
	session.Online = false
	session.Phase = domain.DriverPhaseOffline
	saved, err := s.save(ctx, session)
	if err != nil {
		return nil, err
	}
	return saved, tripErr
}

// UpdateLocation records the position of an online driver.
func (s *DriverService) UpdateLocation(ctx context.Context, driverID string, lat, lng float64) error {
	if strings.TrimSpace(driverID) == "" {
		return ErrInvalidDriverID
	}
	if err := (domain.Location{Latitude: lat, Longitude: lng}).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}

	session, err := s.load(ctx, driverID)
	if err != nil {
		return err
	}
	if !session.Online {
		return ErrDriverOffline
	}

	if err := s.locations.UpdateLocation(ctx, driverID, lat, lng); err != nil {
		return external("update driver location", err)
	}
	return nil
}

// Assign binds an IDLE driver to a trip on behalf of the matcher. A trip that
// is still new is moved to searching first. Repeating the same assignment is
// a no-op.
func (s *DriverService) Assign(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error) {
	if strings.TrimSpace(tripID) == "" {
		return nil, ErrInvalidTripID
	}

	unlock, err := s.lock(ctx, driverID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.load(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if session.Phase == domain.DriverPhaseAssigned && session.CurrentTripID == tripID {
		return session, nil
	}
	if session.Phase != domain.DriverPhaseIdle {
		return nil, ErrDriverBusy
	}

	if s.offers != nil {
		declined, err := s.offers.HasDeclined(ctx, tripID, driverID)
		if err != nil {
			return nil, external("check declined offers", err)
		}
		if declined {
			return nil, ErrOfferDeclined
		}
	}

	trip, err := s.trips.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}

	var tripErr error
	if trip.Status == domain.TripStatusNew {
		var searching *domain.Trip
		searching, tripErr = s.trips.StartSearch(ctx, tripID)
		switch {
		case searching != nil:
			trip = searching
		case errors.Is(tripErr, ErrInvalidTransition):
			// Moved by someone else meanwhile; judge the fresh status.
			if trip, err = s.trips.GetTrip(ctx, tripID); err != nil {
				return nil, err
			}
			tripErr = nil
		default:
			return nil, tripErr
		}
	}
	if trip.Status != domain.TripStatusSearching {
		return nil, ErrTripNotSearching
	}

	session.Phase = domain.DriverPhaseAssigned
	session.CurrentTripID = tripID
	saved, err := s.save(ctx, session)
	if err != nil {
		return nil, err
	}
	return saved, tripErr
}

// Accept takes the assigned trip: the trip goes on_way with this driver.
// Other drivers still holding an offer for the trip are released. If the trip
// went to someone else or ended meanwhile, this driver is released instead.
func (s *DriverService) Accept(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error) {
	session, err := s.step(ctx, driverID, tripID, "accept", domain.DriverPhaseAssigned, func(session *domain.DriverSession) error {
		_, err := s.trips.Advance(ctx, AdvanceRequest{TripID: tripID, To: domain.TripStatusOnWay, DriverID: driverID})
		switch {
		case err == nil || committed(err):
			session.Phase = domain.DriverPhaseEnRouteToPickup
			return err
		case offerLost(err):
			if unbindErr := s.unbind(ctx, session); unbindErr != nil {
				return unbindErr
			}
			session.Phase = domain.DriverPhaseIdle
			return err
		default:
			return err
		}
	})
	if session == nil || session.Phase != domain.DriverPhaseEnRouteToPickup {
		return session, err
	}
	if relErr := s.releaseDriversOf(ctx, tripID, driverID); relErr != nil && err == nil {
		err = relErr
	}
	return session, err
}

// Decline rejects the assigned trip. The driver returns to IDLE and the
// matcher is told not to offer this trip to them again.
func (s *DriverService) Decline(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error) {
	return s.step(ctx, driverID, tripID, "decline", domain.DriverPhaseAssigned, func(session *domain.DriverSession) error {
		declineErr := s.declineOffer(ctx, driverID, tripID)
		if declineErr != nil && !committed(declineErr) {
			return declineErr
		}
		if err := s.unbind(ctx, session); err != nil {
			return err
		}
		session.Phase = domain.DriverPhaseIdle
		return declineErr
	})
}

// Arrived marks the driver at the pickup point.
func (s *DriverService) Arrived(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error) {
	return s.advanceWith(ctx, driverID, tripID, "report arrival",
		domain.DriverPhaseEnRouteToPickup, domain.TripStatusArrived, domain.DriverPhaseArrived)
}

// Start begins the ride with the passenger on board.
func (s *DriverService) Start(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error) {
	return s.advanceWith(ctx, driverID, tripID, "start the trip",
		domain.DriverPhaseArrived, domain.TripStatusStarted, domain.DriverPhaseOnTrip)
}

// Complete finishes the trip and frees the driver.
func (s *DriverService) Complete(ctx context.Context, driverID, tripID string) (*domain.DriverSession, error) {
	return s.step(ctx, driverID, tripID, "complete the trip", domain.DriverPhaseOnTrip, func(session *domain.DriverSession) error {
		_, err := s.trips.Advance(ctx, AdvanceRequest{TripID: tripID, To: domain.TripStatusCompleted})
		if err != nil && !committed(err) {
			return err
		}
		if unbindErr := s.unbind(ctx, session); unbindErr != nil {
			return unbindErr
		}
		session.Phase = domain.DriverPhaseIdle
		return err
	})
}

// CancelRequest contains the parameters for cancelling a trip.
type CancelRequest struct {
	TripID  string
	Party   Party
	ActorID string
	Reason  string
}

// Cancel cancels a non-terminal trip for either party and returns every
// driver bound to it to IDLE.
func (s *DriverService) Cancel(ctx context.Context, req CancelRequest) (*domain.Trip, error) {
	if strings.TrimSpace(req.TripID) == "" {
		return nil, ErrInvalidTripID
	}
	if strings.TrimSpace(req.ActorID) == "" {
		if req.Party == PartyDriver {
			return nil, ErrInvalidDriverID
		}
		return nil, ErrInvalidRiderID
	}

	var (
		trip *domain.Trip
		err  error
	)
	switch req.Party {
	case PartyDriver:
		trip, err = s.cancelAsDriver(ctx, req)
	case PartyRider:
		trip, err = s.cancelAsRider(ctx, req)
	default:
		return nil, ErrInvalidCancellingParty
	}
	if trip == nil {
		return nil, err
	}

	if relErr := s.releaseDriversOf(ctx, req.TripID, ""); relErr != nil && err == nil {
		err = relErr
	}
	return trip, err
}

// cancelAsDriver cancels the trip bound to the driver and releases them.
func (s *DriverService) cancelAsDriver(ctx context.Context, req CancelRequest) (*domain.Trip, error) {
	unlock, err := s.lock(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.load(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	if session.CurrentTripID != req.TripID {
		return nil, ErrNotTripDriver
	}

	trip, err := s.trips.Cancel(ctx, req.TripID, req.Reason)
	if err != nil && !committed(err) {
		return nil, err
	}
	if relErr := s.releaseLocked(ctx, session, req.TripID); relErr != nil {
		return trip, relErr
	}
	return trip, err
}

func (s *DriverService) cancelAsRider(ctx context.Context, req CancelRequest) (*domain.Trip, error) {
	current, err := s.trips.GetTrip(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	if current.PassengerID != req.ActorID {
		return nil, ErrNotTripRider
	}

	trip, err := s.trips.Cancel(ctx, req.TripID, req.Reason)
	if err != nil && !committed(err) {
		return nil, err
	}
	return trip, err
}

// advanceWith is step for the actions that map one-to-one onto a trip status.
func (s *DriverService) advanceWith(
	ctx context.Context,
	driverID, tripID, action string,
	from domain.DriverPhase,
	tripStatus domain.TripStatus,
	to domain.DriverPhase,
) (*domain.DriverSession, error) {
	return s.step(ctx, driverID, tripID, action, from, func(session *domain.DriverSession) error {
		_, err := s.trips.Advance(ctx, AdvanceRequest{TripID: tripID, To: tripStatus})
		if err != nil && !committed(err) {
			return err
		}
		session.Phase = to
		return err
	})
}

// step runs apply on the session of a driver that is in phase from on tripID,
// then stores the session. apply may return an error that happened after the
// trip change was committed, or fail after moving the session out of phase
// from; in both cases the session is saved and the error returned.
func (s *DriverService) step(
	ctx context.Context,
	driverID, tripID, action string,
	from domain.DriverPhase,
	apply func(*domain.DriverSession) error,
) (*domain.DriverSession, error) {
	if strings.TrimSpace(tripID) == "" {
		return nil, ErrInvalidTripID
	}

	unlock, err := s.lock(ctx, driverID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.load(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if session.Phase != from || session.CurrentTripID != tripID {
		return nil, &PhaseError{DriverID: driverID, Phase: session.Phase, Action: action}
	}

	applyErr := apply(session)
	if applyErr != nil && !committed(applyErr) && session.Phase == from {
		return nil, applyErr
	}
	saved, err := s.save(ctx, session)
	if err != nil {
		return nil, err
	}
	return saved, applyErr
}

// declineOffer records the decline and tells the matcher. A trip that is
// still new is moved to searching so it can be offered again.
func (s *DriverService) declineOffer(ctx context.Context, driverID, tripID string) error {
	trip, err := s.trips.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.Status == domain.TripStatusNew {
		if _, err := s.trips.StartSearch(ctx, tripID); err != nil && !committed(err) {
			return err
		}
	}

	if s.offers != nil {
		if err := s.offers.MarkDeclined(ctx, tripID, driverID); err != nil {
			return external("record declined offer", err)
		}
	}

	event, err := domain.NewEvent(domain.EventTripOfferDeclined, domain.TripOfferDeclined{
		TripID:   tripID,
		DriverID: driverID,
	}, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEventNotPublished, err)
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("%w: %v", ErrEventNotPublished, err)
	}
	return nil
}

// releaseDriversOf returns every driver bound to tripID, except skip, to IDLE.
// It must not be called while holding a driver lock.
func (s *DriverService) releaseDriversOf(ctx context.Context, tripID, skip string) error {
	driverIDs, err := s.sessions.DriversForTrip(ctx, tripID)
	if err != nil {
		return external("look up trip drivers", err)
	}

	var errs []error
	for _, driverID := range driverIDs {
		if driverID == skip {
			continue
		}
		if err := s.release(ctx, driverID, tripID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *DriverService) release(ctx context.Context, driverID, tripID string) error {
	unlock, err := s.lock(ctx, driverID)
	if err != nil {
		return err
	}
	defer unlock()

	session, err := s.load(ctx, driverID)
	if err != nil {
		return err
	}
	if session.CurrentTripID != tripID {
		// Stale index entry.
		if err := s.sessions.ReleaseTrip(ctx, tripID, driverID); err != nil {
			return external("release trip binding", err)
		}
		return nil
	}
	return s.releaseLocked(ctx, session, tripID)
}

// releaseLocked frees a session bound to tripID. The driver lock must be held.
func (s *DriverService) releaseLocked(ctx context.Context, session *domain.DriverSession, tripID string) error {
	if session.CurrentTripID != tripID {
		return nil
	}
	if err := s.unbind(ctx, session); err != nil {
		return err
	}
	if session.Online {
		session.Phase = domain.DriverPhaseIdle
	} else {
		session.Phase = domain.DriverPhaseOffline
	}
	_, err := s.save(ctx, session)
	return err
}

func (s *DriverService) unbind(ctx context.Context, session *domain.DriverSession) error {
	if session.CurrentTripID == "" {
		return nil
	}
	if err := s.sessions.ReleaseTrip(ctx, session.CurrentTripID, session.DriverID); err != nil {
		return external("release trip binding", err)
	}
	session.CurrentTripID = ""
	return nil
}

func (s *DriverService) lock(ctx context.Context, driverID string) (func(), error) {
	if strings.TrimSpace(driverID) == "" {
		return nil, ErrInvalidDriverID
	}
	return s.drivers.Lock(ctx, driverID)
}

func (s *DriverService) load(ctx context.Context, driverID string) (*domain.DriverSession, error) {
	session, err := s.sessions.Get(ctx, driverID)
	if err != nil {
		return nil, external("load driver session", err)
	}
	if session == nil {
		return domain.NewDriverSession(driverID), nil
	}
	return session, nil
}

func (s *DriverService) save(ctx context.Context, session *domain.DriverSession) (*domain.DriverSession, error) {
	session.UpdatedAt = s.now()
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, external("save driver session", err)
	}
	s.metrics.DriverPhase(string(session.Phase))
	return session, nil
}

func (s *DriverService) profile(ctx context.Context, driverID string) (*domain.Driver, error) {
	if s.profiles != nil {
		if cached, err := s.profiles.GetDriver(ctx, driverID); err == nil && cached != nil {
			return cached, nil
		}
	}

	driver, err := s.driverRepo.GetByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDriverNotFound
		}
		return nil, external("load driver", err)
	}

	if s.profiles != nil {
		_ = s.profiles.SetDriver(ctx, driver)
	}
	return driver, nil
}

// setOnline records availability on the profile and drops the cached copy.
func (s *DriverService) setOnline(ctx context.Context, driverID string, online bool) error {
	if err := s.driverRepo.SetOnline(ctx, driverID, online); err != nil {
		return external("record driver availability", err)
	}
	if s.profiles != nil {
		_ = s.profiles.InvalidateDriver(ctx, driverID)
	}
	return nil
}

// offerLost reports whether an accept failed because the trip is no longer
// available to this driver.
func offerLost(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound)
}

// committed reports whether err came after the trip change was stored,
// so the session must follow the trip anyway.
func committed(err error) bool {
	return errors.Is(err, ErrEventNotPublished)
}

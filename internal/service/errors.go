package service

import (
	"errors"
	"fmt"

	"ridecore/internal/domain"
)

// Error categories. Every error returned by this package matches exactly one
// of them through errors.Is.
var (
	// ErrValidation marks malformed or missing input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown trip, driver or session.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition marks a status change the current state does not permit.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict marks double assignment, a busy driver or a rider with an active trip.
	ErrConflict = errors.New("conflict")

	// ErrExternalService marks a failing geocoder, router, store or broker.
	ErrExternalService = errors.New("external service error")

	// ErrPermission marks an action the caller is not allowed to take.
	ErrPermission = errors.New("permission denied")
)

var (
	ErrInvalidRiderID         = fmt.Errorf("%w: invalid rider id", ErrValidation)
	ErrInvalidConversationID  = fmt.Errorf("%w: invalid conversation id", ErrValidation)
	ErrInvalidDriverID        = fmt.Errorf("%w: invalid driver id", ErrValidation)
	ErrInvalidTripID          = fmt.Errorf("%w: invalid trip id", ErrValidation)
	ErrInvalidStatus          = fmt.Errorf("%w: unknown trip status", ErrValidation)
	ErrMissingPickup          = fmt.Errorf("%w: pickup is required", ErrValidation)
	ErrMissingDestination     = fmt.Errorf("%w: destination is required", ErrValidation)
	ErrInvalidLocation        = fmt.Errorf("%w: invalid location", ErrValidation)
	ErrEmptyAddress           = fmt.Errorf("%w: address is empty", ErrValidation)
	ErrDriverRequired         = fmt.Errorf("%w: driver id is required to go on the way", ErrValidation)
	ErrUnexpectedInput        = fmt.Errorf("%w: session is waiting for confirmation, not a location", ErrValidation)
	ErrInvalidCancellingParty = fmt.Errorf("%w: cancelling party must be rider or driver", ErrValidation)
	ErrLocationNotResolved    = fmt.Errorf("%w: location could not be resolved", ErrValidation)
	ErrTripNotFound           = fmt.Errorf("%w: trip", ErrNotFound)
	ErrDriverNotFound         = fmt.Errorf("%w: driver", ErrNotFound)
	ErrIntakeSessionNotFound  = fmt.Errorf("%w: intake session", ErrNotFound)
	ErrRouteNotFound          = fmt.Errorf("%w: route", ErrNotFound)
	ErrDriverAlreadyAssigned  = fmt.Errorf("%w: trip already has a driver", ErrConflict)
	ErrActiveTripExists       = fmt.Errorf("%w: rider already has an active trip", ErrConflict)
	ErrDriverBusy             = fmt.Errorf("%w: driver is not idle", ErrConflict)
	ErrOfferDeclined          = fmt.Errorf("%w: driver already declined this trip", ErrConflict)
	ErrTripNotSearching       = fmt.Errorf("%w: trip is not searching for a driver", ErrInvalidTransition)
	ErrIntakeNotReady         = fmt.Errorf("%w: intake session is not awaiting confirmation", ErrInvalidTransition)
	ErrDriverNotVerified      = fmt.Errorf("%w: driver profile is not verified", ErrPermission)
	ErrNotTripDriver          = fmt.Errorf("%w: driver is not bound to this trip", ErrPermission)
	ErrNotTripRider           = fmt.Errorf("%w: rider does not own this trip", ErrPermission)
	ErrRouteUnavailable       = fmt.Errorf("%w: route could not be computed", ErrExternalService)
	ErrEventNotPublished      = fmt.Errorf("%w: event was not queued for publication", ErrExternalService)
	ErrLockUnavailable        = fmt.Errorf("%w: trip lock unavailable", ErrExternalService)
	ErrDriverOffline          = fmt.Errorf("%w: driver is offline", ErrConflict)
)

// TransitionError reports a rejected trip status change.
type TransitionError struct {
	TripID string
	From   domain.TripStatus
	To     domain.TripStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: trip %s cannot move from %s to %s", e.TripID, e.From, e.To)
}

// Is makes TransitionError match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PhaseError reports a driver action the current driver phase does not allow.
type PhaseError struct {
	DriverID string
	Phase    domain.DriverPhase
	Action   string
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("invalid transition: driver %s cannot %s while %s", e.DriverID, e.Action, e.Phase)
}

// Is makes PhaseError match ErrInvalidTransition.
func (e *PhaseError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// external wraps a collaborator failure in ErrExternalService.
func external(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrExternalService, op, err)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridecore/internal/domain"
	"ridecore/internal/repository"
)

// ──────────────────────────────────────────────
// 1. TRIP CREATION
// ──────────────────────────────────────────────

func TestTripCreate_QuotesHaversineDistance(t *testing.T) {
	t.Parallel()
	f := newTripFixture()

	trip, err := f.service.Create(context.Background(), CreateTripRequest{
		PassengerID: "rider-1",
		Pickup:      &testPickup,
		Destination: &testDestination,
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if trip.Status != domain.TripStatusNew {
		t.Errorf("expected status new, got %s", trip.Status)
	}
	if trip.DistanceKm == nil || *trip.DistanceKm != 8.82 {
		t.Errorf("expected distance 8.82, got %v", trip.DistanceKm)
	}
	if trip.Fare == nil || trip.Fare.TotalCost != 14 {
		t.Errorf("expected total 14, got %+v", trip.Fare)
	}
	if trip.Fare.NightFee != 0 {
		t.Errorf("expected no night fee at midday, got %v", trip.Fare.NightFee)
	}
	if _, ok := trip.EnteredAt(domain.TripStatusNew); !ok {
		t.Error("expected new entry time to be recorded")
	}
	if stored := f.repo.GetTrip(trip.ID); stored == nil || stored.Status != domain.TripStatusNew {
		t.Error("expected trip to be stored in status new")
	}

	created := f.publisher.Events(domain.EventTripCreated)
	if len(created) != 1 {
		t.Fatalf("expected 1 trip.created event, got %d", len(created))
	}
	if created[0].DedupKey() != trip.ID+":created" {
		t.Errorf("unexpected dedup key %s", created[0].DedupKey())
	}
}

func TestTripCreate_UsesProvidedRoute(t *testing.T) {
	t.Parallel()
	f := newTripFixture()

	distance := 20.0
	duration := 31
	night := true
	trip, err := f.service.Create(context.Background(), CreateTripRequest{
		PassengerID:     "rider-1",
		Pickup:          &testPickup,
		Destination:     &testDestination,
		DistanceKm:      &distance,
		DurationMinutes: &duration,
		WaitingMinutes:  9,
		IsNight:         &night,
	})
	require.NoError(t, err)

	assert.Equal(t, 20.0, *trip.DistanceKm)
	assert.Equal(t, 31, *trip.DurationMinutes)
	// 10 + 15 + 5 night + 1 waiting
	assert.Equal(t, 31.0, trip.Fare.TotalCost)
}

func TestTripCreate_NegativeDistanceClampedToZero(t *testing.T) {
	t.Parallel()
	f := newTripFixture()

	distance := -3.5
	trip, err := f.service.Create(context.Background(), CreateTripRequest{
		PassengerID: "rider-1",
		Pickup:      &testPickup,
		Destination: &testDestination,
		DistanceKm:  &distance,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.0, *trip.DistanceKm)
	assert.Equal(t, 0.0, *f.repo.GetTrip(trip.ID).DistanceKm)
	assert.Equal(t, 10.0, trip.Fare.TotalCost)

	created := f.publisher.Events(domain.EventTripCreated)
	require.Len(t, created, 1)
	var payload domain.TripCreated
	require.NoError(t, json.Unmarshal(created[0].Payload, &payload))
	assert.Equal(t, 0.0, payload.DistanceKm)
}

func TestTripCreate_Validation(t *testing.T) {
	t.Parallel()

	bad := domain.Location{Latitude: 91, Longitude: 0}

	testCases := []struct {
		name string
		req  CreateTripRequest
		want error
	}{
		{"missing rider", CreateTripRequest{Pickup: &testPickup, Destination: &testDestination}, ErrInvalidRiderID},
		{"missing pickup", CreateTripRequest{PassengerID: "r", Destination: &testDestination}, ErrMissingPickup},
		{"missing destination", CreateTripRequest{PassengerID: "r", Pickup: &testPickup}, ErrMissingDestination},
		{"bad pickup", CreateTripRequest{PassengerID: "r", Pickup: &bad, Destination: &testDestination}, ErrInvalidLocation},
		{"bad stop", CreateTripRequest{PassengerID: "r", Pickup: &testPickup, Destination: &testDestination, Stops: []domain.Location{bad}}, ErrInvalidLocation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTripFixture()
			trip, err := f.service.Create(context.Background(), tc.req)
			assert.Nil(t, trip)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Zero(t, f.repo.CountTrips())
		})
	}
}

func TestTripCreate_ActiveTripExists(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	req := CreateTripRequest{PassengerID: "rider-1", Pickup: &testPickup, Destination: &testDestination}

	_, err := f.service.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = f.service.Create(context.Background(), req)
	assert.ErrorIs(t, err, ErrActiveTripExists)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTripCreate_PublishFailureStillReturnsTrip(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	f.publisher.PublishError = errors.New("queue full")

	trip, err := f.service.Create(context.Background(), CreateTripRequest{
		PassengerID: "rider-1", Pickup: &testPickup, Destination: &testDestination,
	})

	require.NotNil(t, trip)
	assert.ErrorIs(t, err, ErrEventNotPublished)
	assert.ErrorIs(t, err, ErrExternalService)
	assert.NotNil(t, f.repo.GetTrip(trip.ID))
}

func TestTripCreate_RepositoryFailure(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	f.repo.CreateError = errors.New("connection reset")

	_, err := f.service.Create(context.Background(), CreateTripRequest{
		PassengerID: "rider-1", Pickup: &testPickup, Destination: &testDestination,
	})
	assert.ErrorIs(t, err, ErrExternalService)
	assert.Empty(t, f.publisher.Events(domain.EventTripCreated))
}

// ──────────────────────────────────────────────
// 2. STATUS TRANSITIONS
// ──────────────────────────────────────────────

func TestTripAdvance_HappyPath(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	ctx := context.Background()
	id := f.seedTrip("trip-1", domain.TripStatusNew, "")

	steps := []AdvanceRequest{
		{TripID: id, To: domain.TripStatusSearching},
		{TripID: id, To: domain.TripStatusOnWay, DriverID: "driver-1"},
		{TripID: id, To: domain.TripStatusArrived},
		{TripID: id, To: domain.TripStatusStarted},
		{TripID: id, To: domain.TripStatusCompleted},
	}
	for _, step := range steps {
		trip, err := f.service.Advance(ctx, step)
		if err != nil {
			t.Fatalf("advance to %s: %v", step.To, err)
		}
		if trip.Status != step.To {
			t.Fatalf("expected %s, got %s", step.To, trip.Status)
		}
	}

	stored := f.repo.GetTrip(id)
	assert.Equal(t, domain.TripStatusCompleted, stored.Status)
	assert.Equal(t, "driver-1", stored.DriverID)
	for _, status := range []domain.TripStatus{
		domain.TripStatusSearching, domain.TripStatusOnWay, domain.TripStatusArrived,
		domain.TripStatusStarted, domain.TripStatusCompleted,
	} {
		_, ok := stored.EnteredAt(status)
		assert.True(t, ok, "entry time for %s", status)
	}

	changes := f.publisher.Events(domain.EventTripStatusChanged)
	require.Len(t, changes, len(steps))

	var last domain.TripStatusChanged
	require.NoError(t, json.Unmarshal(changes[len(changes)-1].Payload, &last))
	assert.Equal(t, domain.TripStatusStarted, last.OldStatus)
	assert.Equal(t, domain.TripStatusCompleted, last.NewStatus)
	assert.Equal(t, "driver-1", last.DriverID)
}

func TestTripAdvance_RejectsInvalidTransitions(t *testing.T) {
	t.Parallel()

	for _, from := range domain.TripStatuses {
		for _, to := range domain.TripStatuses {
			if from.CanTransitionTo(to) {
				continue
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				f := newTripFixture()
				id := f.seedTrip("trip-1", from, "driver-1")

				_, err := f.service.Advance(context.Background(), AdvanceRequest{TripID: id, To: to, DriverID: "driver-1"})

				var te *TransitionError
				require.ErrorAs(t, err, &te)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, from, te.From)
				assert.Equal(t, to, te.To)
				assert.Equal(t, from, f.repo.GetTrip(id).Status, "status must not change")
				assert.Zero(t, f.repo.TransitionCallCount)
				assert.Empty(t, f.publisher.Events(domain.EventTripStatusChanged))
			})
		}
	}
}

func TestTripAdvance_Validation(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	ctx := context.Background()
	id := f.seedTrip("trip-1", domain.TripStatusSearching, "")

	_, err := f.service.Advance(ctx, AdvanceRequest{To: domain.TripStatusCancelled})
	assert.ErrorIs(t, err, ErrInvalidTripID)

	_, err = f.service.Advance(ctx, AdvanceRequest{TripID: id, To: "flying"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.service.Advance(ctx, AdvanceRequest{TripID: id, To: domain.TripStatusOnWay})
	assert.ErrorIs(t, err, ErrDriverRequired)

	_, err = f.service.Advance(ctx, AdvanceRequest{TripID: "missing", To: domain.TripStatusCancelled})
	assert.ErrorIs(t, err, ErrTripNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTripAdvance_OtherDriverConflict(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	id := f.seedTrip("trip-1", domain.TripStatusOnWay, "driver-1")

	_, err := f.service.Advance(context.Background(), AdvanceRequest{TripID: id, To: domain.TripStatusOnWay, DriverID: "driver-2"})
	assert.ErrorIs(t, err, ErrDriverAlreadyAssigned)
	assert.Equal(t, "driver-1", f.repo.GetTrip(id).DriverID)
}

func TestTripAdvance_TerminalTripRejectsOtherDriver(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.TripStatus{domain.TripStatusCompleted, domain.TripStatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			f := newTripFixture()
			id := f.seedTrip("trip-1", status, "driver-1")

			_, err := f.service.Advance(context.Background(), AdvanceRequest{TripID: id, To: domain.TripStatusOnWay, DriverID: "driver-9"})

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.NotErrorIs(t, err, ErrConflict)
			assert.Equal(t, status, te.From)
			assert.Equal(t, "driver-1", f.repo.GetTrip(id).DriverID)
		})
	}
}

func TestTripAdvance_StaleStatusBecomesTransitionError(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	id := f.seedTrip("trip-1", domain.TripStatusArrived, "driver-1")

	// Another process cancels the trip between our read and our write.
	f.repo.beforeTransition = func(repository.TripTransition) {
		f.repo.setStatus(id, domain.TripStatusCancelled)
	}

	_, err := f.service.Advance(context.Background(), AdvanceRequest{TripID: id, To: domain.TripStatusStarted})

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.TripStatusCancelled, te.From)
	assert.Empty(t, f.publisher.Events(domain.EventTripStatusChanged))
}

func TestTripAdvance_ConcurrentAssignmentsOneWinner(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	id := f.seedTrip("trip-1", domain.TripStatusSearching, "")

	const drivers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := f.service.Advance(context.Background(), AdvanceRequest{TripID: id, To: domain.TripStatusOnWay, DriverID: driverID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, driverID)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("driver-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, drivers-1, conflicts)
	assert.Equal(t, winners[0], f.repo.GetTrip(id).DriverID)
	assert.Len(t, f.publisher.Events(domain.EventTripStatusChanged), 1)
}

func TestTripCancel_DefaultsReason(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	id := f.seedTrip("trip-1", domain.TripStatusSearching, "")

	trip, err := f.service.Cancel(context.Background(), id, "")
	require.NoError(t, err)
	assert.Equal(t, "unspecified", trip.CancellationReason)
	assert.Equal(t, "unspecified", f.repo.GetTrip(id).CancellationReason)

	_, err = f.service.Cancel(context.Background(), id, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTripAdvance_LockFailure(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	id := f.seedTrip("trip-1", domain.TripStatusSearching, "")
	f.service = NewTripService(f.repo, NewFareCalculator(testTariff(), nil), f.publisher,
		WithTripLocker(recordingLocker{err: errors.New("redis down")}))

	_, err := f.service.Cancel(context.Background(), id, "x")
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.Equal(t, domain.TripStatusSearching, f.repo.GetTrip(id).Status)
}

func TestTripAdvance_PublishFailureAfterCommit(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	id := f.seedTrip("trip-1", domain.TripStatusNew, "")
	f.publisher.PublishError = errors.New("queue full")

	trip, err := f.service.StartSearch(context.Background(), id)
	require.NotNil(t, trip)
	assert.ErrorIs(t, err, ErrEventNotPublished)
	assert.Equal(t, domain.TripStatusSearching, f.repo.GetTrip(id).Status)
}

func TestActiveTrip(t *testing.T) {
	t.Parallel()
	f := newTripFixture()
	f.seedTrip("done", domain.TripStatusCompleted, "")

	active, err := f.service.ActiveTrip(context.Background(), "rider-done")
	require.NoError(t, err)
	assert.Nil(t, active)

	f.seedTrip("live", domain.TripStatusOnWay, "driver-1")
	active, err = f.service.ActiveTrip(context.Background(), "rider-live")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "live", active.ID)
}

package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridecore/internal/domain"
)

type driverFixture struct {
	*tripFixture
	sessions  *mockSessionStore
	drivers   *mockDriverRepository
	offers    *mockOfferStore
	locations *mockLocationStore
	service   *DriverService
}

func newDriverFixture() *driverFixture {
	trips := newTripFixture()
	f := &driverFixture{
		tripFixture: trips,
		sessions:    newMockSessionStore(),
		drivers:     newMockDriverRepository(),
		offers:      newMockOfferStore(),
		locations:   newMockLocationStore(),
	}
	f.drivers.AddDriver(&domain.Driver{ID: "driver-1", Name: "Anna", Verified: true})
	f.drivers.AddDriver(&domain.Driver{ID: "driver-2", Name: "Ben", Verified: true})
	f.drivers.AddDriver(&domain.Driver{ID: "rookie", Name: "Cleo"})

	f.service = NewDriverService(DriverDeps{
		Sessions:   f.sessions,
		DriverRepo: f.drivers,
		Trips:      trips.service,
		Offers:     f.offers,
		Locations:  f.locations,
		Publisher:  trips.publisher,
	})
	f.service.now = fixedClock
	return f
}

// online brings driverID online and fails the test otherwise.
func (f *driverFixture) online(t *testing.T, driverID string) {
	t.Helper()
	_, err := f.service.GoOnline(context.Background(), driverID)
	require.NoError(t, err)
}

// assigned puts driver-1 on a fresh searching trip in phase ASSIGNED.
func (f *driverFixture) assigned(t *testing.T) string {
	t.Helper()
	f.online(t, "driver-1")
	id := f.seedTrip("trip-1", domain.TripStatusSearching, "")
	_, err := f.service.Assign(context.Background(), "driver-1", id)
	require.NoError(t, err)
	return id
}

func (f *driverFixture) phase(t *testing.T, driverID string) domain.DriverPhase {
	t.Helper()
	session, err := f.service.Session(context.Background(), driverID)
	require.NoError(t, err)
	return session.Phase
}

// ──────────────────────────────────────────────
// 1. ONLINE / OFFLINE
// ──────────────────────────────────────────────

func TestDriverGoOnline(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()

	assert.Equal(t, domain.DriverPhaseOffline, f.phase(t, "driver-1"))

	session, err := f.service.GoOnline(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DriverPhaseIdle, session.Phase)
	assert.True(t, session.Online)

	driver, _ := f.drivers.GetByID(ctx, "driver-1")
	assert.True(t, driver.Online)

	again, err := f.service.GoOnline(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DriverPhaseIdle, again.Phase)
}

func TestDriverGoOnline_Rejections(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()

	_, err := f.service.GoOnline(ctx, "rookie")
	assert.ErrorIs(t, err, ErrDriverNotVerified)
	assert.ErrorIs(t, err, ErrPermission)

	_, err = f.service.GoOnline(ctx, "ghost")
	assert.ErrorIs(t, err, ErrDriverNotFound)

	_, err = f.service.GoOnline(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidDriverID)
}

type mockProfileCache struct {
	mu       sync.Mutex
	profiles map[string]domain.Driver
	hits     int
}

func (m *mockProfileCache) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.profiles[driverID]
	if !ok {
		return nil, nil
	}
	m.hits++
	return &d, nil
}

func (m *mockProfileCache) SetDriver(ctx context.Context, driver *domain.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[driver.ID] = *driver
	return nil
}

func (m *mockProfileCache) InvalidateDriver(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, driverID)
	return nil
}

func TestDriverGoOnline_UsesProfileCache(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	cache := &mockProfileCache{profiles: make(map[string]domain.Driver)}
	f.service.profiles = cache
	ctx := context.Background()

	// The first call loads and caches the profile, then invalidates it
	// because the online flag changed.
	f.online(t, "driver-1")
	assert.NotContains(t, cache.profiles, "driver-1")

	// Already online: the profile is loaded again and cached, no write.
	f.online(t, "driver-1")
	assert.Contains(t, cache.profiles, "driver-1")
	f.online(t, "driver-1")
	assert.Equal(t, 1, cache.hits)

	_, err := f.service.GoOffline(ctx, "driver-1")
	require.NoError(t, err)
	assert.NotContains(t, cache.profiles, "driver-1")
}

func TestDriverUpdateLocation(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()

	err := f.service.UpdateLocation(ctx, "driver-1", 52.5, 13.4)
	assert.ErrorIs(t, err, ErrDriverOffline)

	f.online(t, "driver-1")
	require.NoError(t, f.service.UpdateLocation(ctx, "driver-1", 52.5, 13.4))
	assert.Equal(t, 52.5, f.locations.locations["driver-1"].Latitude)

	err = f.service.UpdateLocation(ctx, "driver-1", 52.5, 200)
	assert.ErrorIs(t, err, ErrInvalidLocation)

	_, err = f.service.GoOffline(ctx, "driver-1")
	require.NoError(t, err)
	assert.NotContains(t, f.locations.locations, "driver-1")
}

func TestDriverGoOffline_OnTripRejected(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)
	_, err := f.service.Accept(ctx, "driver-1", id)
	require.NoError(t, err)
	_, err = f.service.Arrived(ctx, "driver-1", id)
	require.NoError(t, err)
	_, err = f.service.Start(ctx, "driver-1", id)
	require.NoError(t, err)

	_, err = f.service.GoOffline(ctx, "driver-1")

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.DriverPhaseOnTrip, pe.Phase)
	assert.Equal(t, domain.DriverPhaseOnTrip, f.phase(t, "driver-1"))
	assert.Equal(t, domain.TripStatusStarted, f.repo.GetTrip(id).Status)
}

func TestDriverGoOffline_BeforePickupCancelsTrip(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)
	_, err := f.service.Accept(ctx, "driver-1", id)
	require.NoError(t, err)

	session, err := f.service.GoOffline(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DriverPhaseOffline, session.Phase)
	assert.Empty(t, session.CurrentTripID)

	trip := f.repo.GetTrip(id)
	assert.Equal(t, domain.TripStatusCancelled, trip.Status)
	assert.Equal(t, "driver_went_offline", trip.CancellationReason)

	bound, err := f.sessions.DriversForTrip(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestDriverGoOffline_WithPendingOfferDeclines(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)

	session, err := f.service.GoOffline(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DriverPhaseOffline, session.Phase)

	assert.Equal(t, domain.TripStatusSearching, f.repo.GetTrip(id).Status, "trip stays open for other drivers")
	declined, _ := f.offers.HasDeclined(ctx, id, "driver-1")
	assert.True(t, declined)
	assert.Len(t, f.publisher.Events(domain.EventTripOfferDeclined), 1)
}

// ──────────────────────────────────────────────
// 2. ASSIGNMENT AND TRIP LIFECYCLE
// ──────────────────────────────────────────────

func TestDriverLifecycle_AssignToComplete(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	f.online(t, "driver-1")
	id := f.seedTrip("trip-1", domain.TripStatusNew, "")

	session, err := f.service.Assign(ctx, "driver-1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.DriverPhaseAssigned, session.Phase)
	assert.Equal(t, id, session.CurrentTripID)
	assert.Equal(t, domain.TripStatusSearching, f.repo.GetTrip(id).Status, "new trip is moved to searching")

	steps := []struct {
		act   func(context.Context, string, string) (*domain.DriverSession, error)
		phase domain.DriverPhase
		trip  domain.TripStatus
	}{
		{f.service.Accept, domain.DriverPhaseEnRouteToPickup, domain.TripStatusOnWay},
		{f.service.Arrived, domain.DriverPhaseArrived, domain.TripStatusArrived},
		{f.service.Start, domain.DriverPhaseOnTrip, domain.TripStatusStarted},
		{f.service.Complete, domain.DriverPhaseIdle, domain.TripStatusCompleted},
	}
	for _, step := range steps {
		session, err := step.act(ctx, "driver-1", id)
		require.NoError(t, err)
		assert.Equal(t, step.phase, session.Phase)
		assert.Equal(t, step.trip, f.repo.GetTrip(id).Status)
	}

	trip := f.repo.GetTrip(id)
	assert.Equal(t, "driver-1", trip.DriverID)

	session, err = f.service.Session(ctx, "driver-1")
	require.NoError(t, err)
	assert.Empty(t, session.CurrentTripID)
	bound, err := f.sessions.DriversForTrip(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestDriverAssign_Rules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("repeat is a no-op", func(t *testing.T) {
		f := newDriverFixture()
		id := f.assigned(t)
		session, err := f.service.Assign(ctx, "driver-1", id)
		require.NoError(t, err)
		assert.Equal(t, domain.DriverPhaseAssigned, session.Phase)
	})

	t.Run("busy driver", func(t *testing.T) {
		f := newDriverFixture()
		f.assigned(t)
		other := f.seedTrip("trip-2", domain.TripStatusSearching, "")
		_, err := f.service.Assign(ctx, "driver-1", other)
		assert.ErrorIs(t, err, ErrDriverBusy)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("offline driver", func(t *testing.T) {
		f := newDriverFixture()
		id := f.seedTrip("trip-1", domain.TripStatusSearching, "")
		_, err := f.service.Assign(ctx, "driver-1", id)
		assert.ErrorIs(t, err, ErrDriverBusy)
	})

	t.Run("trip already taken", func(t *testing.T) {
		f := newDriverFixture()
		f.online(t, "driver-1")
		id := f.seedTrip("trip-1", domain.TripStatusOnWay, "driver-2")
		_, err := f.service.Assign(ctx, "driver-1", id)
		assert.ErrorIs(t, err, ErrTripNotSearching)
		assert.Equal(t, domain.DriverPhaseIdle, f.phase(t, "driver-1"))
	})

	t.Run("unknown trip", func(t *testing.T) {
		f := newDriverFixture()
		f.online(t, "driver-1")
		_, err := f.service.Assign(ctx, "driver-1", "ghost")
		assert.ErrorIs(t, err, ErrTripNotFound)
	})

	t.Run("declined before", func(t *testing.T) {
		f := newDriverFixture()
		id := f.assigned(t)
		_, err := f.service.Decline(ctx, "driver-1", id)
		require.NoError(t, err)

		_, err = f.service.Assign(ctx, "driver-1", id)
		assert.ErrorIs(t, err, ErrOfferDeclined)
	})
}

func TestDriverDecline(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)

	session, err := f.service.Decline(ctx, "driver-1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.DriverPhaseIdle, session.Phase)
	assert.Empty(t, session.CurrentTripID)
	assert.Equal(t, domain.TripStatusSearching, f.repo.GetTrip(id).Status)

	declined := f.publisher.Events(domain.EventTripOfferDeclined)
	require.Len(t, declined, 1)
	var payload domain.TripOfferDeclined
	require.NoError(t, json.Unmarshal(declined[0].Payload, &payload))
	assert.Equal(t, id, payload.TripID)
	assert.Equal(t, "driver-1", payload.DriverID)

	// The trip is free for the next driver.
	f.online(t, "driver-2")
	_, err = f.service.Assign(ctx, "driver-2", id)
	assert.NoError(t, err)
}

func TestDriverActions_WrongPhase(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)

	_, err := f.service.Start(ctx, "driver-1", id)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, domain.DriverPhaseAssigned, pe.Phase)

	_, err = f.service.Complete(ctx, "driver-1", id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.service.Accept(ctx, "driver-1", "another-trip")
	assert.ErrorIs(t, err, ErrInvalidTransition, "action must name the bound trip")

	_, err = f.service.Accept(ctx, "driver-1", "")
	assert.ErrorIs(t, err, ErrInvalidTripID)

	assert.Equal(t, domain.TripStatusSearching, f.repo.GetTrip(id).Status)
}

func TestDriverAccept_TripTakenByAnother(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)

	// A second matcher assigned the same trip elsewhere.
	_, err := f.tripFixture.service.Advance(ctx, AdvanceRequest{TripID: id, To: domain.TripStatusOnWay, DriverID: "driver-2"})
	require.NoError(t, err)

	session, err := f.service.Accept(ctx, "driver-1", id)
	assert.ErrorIs(t, err, ErrDriverAlreadyAssigned)
	require.NotNil(t, session)
	assert.Equal(t, domain.DriverPhaseIdle, session.Phase)
	assert.Empty(t, session.CurrentTripID)
	assert.Equal(t, domain.DriverPhaseIdle, f.phase(t, "driver-1"))
	assert.Equal(t, "driver-2", f.repo.GetTrip(id).DriverID)

	// Free for the next trip.
	next := f.seedTrip("trip-2", domain.TripStatusSearching, "")
	_, err = f.service.Assign(ctx, "driver-1", next)
	assert.NoError(t, err)
}

func TestDriverAccept_TripEndedMeanwhile(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)

	_, err := f.tripFixture.service.Cancel(ctx, id, "rider gave up")
	require.NoError(t, err)

	_, err = f.service.Accept(ctx, "driver-1", id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, domain.DriverPhaseIdle, f.phase(t, "driver-1"))
}

// offeredToBoth assigns one searching trip to driver-1 and driver-2.
func (f *driverFixture) offeredToBoth(t *testing.T) string {
	t.Helper()
	f.online(t, "driver-1")
	f.online(t, "driver-2")
	id := f.seedTrip("trip-1", domain.TripStatusSearching, "")
	for _, driverID := range []string{"driver-1", "driver-2"} {
		_, err := f.service.Assign(context.Background(), driverID, id)
		require.NoError(t, err)
	}
	return id
}

func TestDriverAccept_ReleasesOtherOffers(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.offeredToBoth(t)

	session, err := f.service.Accept(ctx, "driver-1", id)
	require.NoError(t, err)
	assert.Equal(t, domain.DriverPhaseEnRouteToPickup, session.Phase)

	assert.Equal(t, domain.DriverPhaseIdle, f.phase(t, "driver-2"))
	bound, err := f.sessions.DriversForTrip(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"driver-1"}, bound)

	// The released driver can no longer act on the trip.
	_, err = f.service.Accept(ctx, "driver-2", id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "driver-1", f.repo.GetTrip(id).DriverID)
}

func TestDriverDecline_KeepsOtherDriverBound(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.offeredToBoth(t)

	_, err := f.service.Decline(ctx, "driver-2", id)
	require.NoError(t, err)

	bound, err := f.sessions.DriversForTrip(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"driver-1"}, bound)

	_, err = f.service.Accept(ctx, "driver-1", id)
	require.NoError(t, err)

	_, err = f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider, ActorID: "rider-" + id})
	require.NoError(t, err)

	session, err := f.service.Session(ctx, "driver-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DriverPhaseIdle, session.Phase)
	assert.Empty(t, session.CurrentTripID)
}

// ──────────────────────────────────────────────
// 3. CANCELLATION
// ──────────────────────────────────────────────

func TestDriverCancel_ByRiderReleasesDriver(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)
	_, err := f.service.Accept(ctx, "driver-1", id)
	require.NoError(t, err)

	trip, err := f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider, ActorID: "rider-" + id, Reason: "changed plans"})
	require.NoError(t, err)
	assert.Equal(t, domain.TripStatusCancelled, trip.Status)
	assert.Equal(t, "changed plans", trip.CancellationReason)
	assert.Equal(t, domain.DriverPhaseIdle, f.phase(t, "driver-1"))

	// The driver's next action on the old trip is refused.
	_, err = f.service.Arrived(ctx, "driver-1", id)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDriverCancel_ByRiderReleasesEveryOffer(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.offeredToBoth(t)

	_, err := f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider, ActorID: "rider-" + id})
	require.NoError(t, err)

	for _, driverID := range []string{"driver-1", "driver-2"} {
		session, err := f.service.Session(ctx, driverID)
		require.NoError(t, err)
		assert.Equal(t, domain.DriverPhaseIdle, session.Phase, driverID)
		assert.Empty(t, session.CurrentTripID, driverID)
	}
	bound, err := f.sessions.DriversForTrip(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestDriverCancel_ByRiderWhileSearching(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.seedTrip("trip-1", domain.TripStatusSearching, "")

	trip, err := f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider, ActorID: "rider-" + id, Reason: "found another ride"})
	require.NoError(t, err)
	assert.Equal(t, domain.TripStatusCancelled, trip.Status)
	assert.Equal(t, "found another ride", trip.CancellationReason)
	assert.Equal(t, "found another ride", f.repo.GetTrip(id).CancellationReason)

	changes := f.publisher.Events(domain.EventTripStatusChanged)
	require.Len(t, changes, 1)
	var payload domain.TripStatusChanged
	require.NoError(t, json.Unmarshal(changes[0].Payload, &payload))
	assert.Equal(t, domain.TripStatusSearching, payload.OldStatus)
	assert.Equal(t, domain.TripStatusCancelled, payload.NewStatus)
	assert.Equal(t, "found another ride", payload.CancellationReason)

	_, err = f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider, ActorID: "rider-" + id})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, f.publisher.Events(domain.EventTripStatusChanged), 1)
}

func TestDriverCancel_ByDriver(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)
	_, err := f.service.Accept(ctx, "driver-1", id)
	require.NoError(t, err)
	_, err = f.service.Arrived(ctx, "driver-1", id)
	require.NoError(t, err)

	trip, err := f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyDriver, ActorID: "driver-1", Reason: "no show"})
	require.NoError(t, err)
	assert.Equal(t, domain.TripStatusCancelled, trip.Status)
	assert.Equal(t, domain.DriverPhaseIdle, f.phase(t, "driver-1"))
}

func TestDriverCancel_Rejections(t *testing.T) {
	t.Parallel()
	f := newDriverFixture()
	ctx := context.Background()
	id := f.assigned(t)

	_, err := f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider, ActorID: "someone-else"})
	assert.ErrorIs(t, err, ErrNotTripRider)

	_, err = f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyDriver, ActorID: "driver-2"})
	assert.ErrorIs(t, err, ErrNotTripDriver)

	_, err = f.service.Cancel(ctx, CancelRequest{TripID: id, Party: "dispatcher", ActorID: "x"})
	assert.ErrorIs(t, err, ErrInvalidCancellingParty)

	_, err = f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider})
	assert.ErrorIs(t, err, ErrInvalidRiderID)

	assert.Equal(t, domain.TripStatusSearching, f.repo.GetTrip(id).Status)

	_, err = f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider, ActorID: "rider-" + id})
	require.NoError(t, err)
	_, err = f.service.Cancel(ctx, CancelRequest{TripID: id, Party: PartyRider, ActorID: "rider-" + id})
	assert.ErrorIs(t, err, ErrInvalidTransition, "terminal trips cannot be cancelled again")
}

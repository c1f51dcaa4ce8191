package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/domain"
	"ridecore/internal/repository"
)

// ──────────────────────────────────────────────
// MOCK TRIP REPOSITORY
// ──────────────────────────────────────────────

type mockTripRepository struct {
	mu    sync.RWMutex
	trips map[string]*domain.Trip

	TransitionCallCount int32

	CreateError     error
	GetError        error
	TransitionError error

	// beforeTransition runs inside Transition before the status check, to
	// simulate a concurrent writer.
	beforeTransition func(t repository.TripTransition)
}

func newMockTripRepository() *mockTripRepository {
	return &mockTripRepository{trips: make(map[string]*domain.Trip)}
}

func (m *mockTripRepository) AddTrip(trip *domain.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[trip.ID] = cloneTrip(trip)
}

func (m *mockTripRepository) Create(ctx context.Context, trip *domain.Trip) error {
	if m.CreateError != nil {
		return m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.trips {
		if existing.PassengerID == trip.PassengerID && !existing.Status.Terminal() {
			return repository.ErrDuplicate
		}
	}
	m.trips[trip.ID] = cloneTrip(trip)
	return nil
}

func (m *mockTripRepository) GetByID(ctx context.Context, id string) (*domain.Trip, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	trip, ok := m.trips[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTrip(trip), nil
}

func (m *mockTripRepository) Transition(ctx context.Context, t repository.TripTransition) error {
	atomic.AddInt32(&m.TransitionCallCount, 1)
	if m.TransitionError != nil {
		return m.TransitionError
	}
	if m.beforeTransition != nil {
		m.beforeTransition(t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[t.TripID]
	if !ok {
		return repository.ErrNotFound
	}
	if trip.Status != t.From {
		return repository.ErrStaleStatus
	}
	if t.DriverID != "" && trip.DriverID != "" && trip.DriverID != t.DriverID {
		return repository.ErrStaleStatus
	}

	trip.Status = t.To
	trip.MarkEntered(t.To, t.At)
	if t.DriverID != "" {
		trip.DriverID = t.DriverID
	}
	if t.To == domain.TripStatusCancelled {
		trip.CancellationReason = t.CancellationReason
	}
	return nil
}

func (m *mockTripRepository) GetActiveByPassenger(ctx context.Context, passengerID string) (*domain.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, trip := range m.trips {
		if trip.PassengerID == passengerID && !trip.Status.Terminal() {
			return cloneTrip(trip), nil
		}
	}
	return nil, nil
}

// setStatus overwrites a stored status behind the service's back.
func (m *mockTripRepository) setStatus(id string, status domain.TripStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[id].Status = status
}

func (m *mockTripRepository) GetTrip(id string) *domain.Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if trip, ok := m.trips[id]; ok {
		return cloneTrip(trip)
	}
	return nil
}

func (m *mockTripRepository) CountTrips() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trips)
}

func cloneTrip(t *domain.Trip) *domain.Trip {
	c := *t
	c.StatusTimes = make(map[domain.TripStatus]time.Time, len(t.StatusTimes))
	for k, v := range t.StatusTimes {
		c.StatusTimes[k] = v
	}
	return &c
}

// ──────────────────────────────────────────────
// MOCK DRIVER REPOSITORY
// ──────────────────────────────────────────────

type mockDriverRepository struct {
	mu      sync.RWMutex
	drivers map[string]*domain.Driver

	SetOnlineError error
}

func newMockDriverRepository() *mockDriverRepository {
	return &mockDriverRepository{drivers: make(map[string]*domain.Driver)}
}

func (m *mockDriverRepository) AddDriver(driver *domain.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driver.ID] = driver
}

func (m *mockDriverRepository) GetByID(ctx context.Context, id string) (*domain.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driver, ok := m.drivers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copy := *driver
	return &copy, nil
}

func (m *mockDriverRepository) SetOnline(ctx context.Context, id string, online bool) error {
	if m.SetOnlineError != nil {
		return m.SetOnlineError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	driver, ok := m.drivers[id]
	if !ok {
		return repository.ErrNotFound
	}
	driver.Online = online
	return nil
}

// ──────────────────────────────────────────────
// MOCK STORES
// ──────────────────────────────────────────────

type mockIntakeStore struct {
	mu       sync.Mutex
	sessions map[string]domain.IntakeSession

	SaveError error
}

func newMockIntakeStore() *mockIntakeStore {
	return &mockIntakeStore{sessions: make(map[string]domain.IntakeSession)}
}

func (m *mockIntakeStore) Get(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[riderID+"/"+conversationID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *mockIntakeStore) Save(ctx context.Context, session *domain.IntakeSession) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.RiderID+"/"+session.ConversationID] = *session
	return nil
}

func (m *mockIntakeStore) Delete(ctx context.Context, riderID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, riderID+"/"+conversationID)
	return nil
}

func (m *mockIntakeStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.DriverSession
	byTrip   map[string]map[string]bool
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{
		sessions: make(map[string]domain.DriverSession),
		byTrip:   make(map[string]map[string]bool),
	}
}

func (m *mockSessionStore) Get(ctx context.Context, driverID string) (*domain.DriverSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[driverID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *mockSessionStore) Save(ctx context.Context, session *domain.DriverSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.DriverID] = *session
	if session.CurrentTripID != "" {
		if m.byTrip[session.CurrentTripID] == nil {
			m.byTrip[session.CurrentTripID] = make(map[string]bool)
		}
		m.byTrip[session.CurrentTripID][session.DriverID] = true
	}
	return nil
}

func (m *mockSessionStore) DriversForTrip(ctx context.Context, tripID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drivers := make([]string, 0, len(m.byTrip[tripID]))
	for driverID := range m.byTrip[tripID] {
		drivers = append(drivers, driverID)
	}
	sort.Strings(drivers)
	return drivers, nil
}

func (m *mockSessionStore) ReleaseTrip(ctx context.Context, tripID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byTrip[tripID], driverID)
	return nil
}

type mockOfferStore struct {
	mu       sync.Mutex
	declined map[string]bool
}

func newMockOfferStore() *mockOfferStore {
	return &mockOfferStore{declined: make(map[string]bool)}
}

func (m *mockOfferStore) MarkDeclined(ctx context.Context, tripID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declined[tripID+"/"+driverID] = true
	return nil
}

func (m *mockOfferStore) HasDeclined(ctx context.Context, tripID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.declined[tripID+"/"+driverID], nil
}

type mockLocationStore struct {
	mu        sync.Mutex
	locations map[string]domain.Location
}

func newMockLocationStore() *mockLocationStore {
	return &mockLocationStore{locations: make(map[string]domain.Location)}
}

func (m *mockLocationStore) UpdateLocation(ctx context.Context, driverID string, lat, lng float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[driverID] = domain.Location{Latitude: lat, Longitude: lng}
	return nil
}

func (m *mockLocationStore) RemoveLocation(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locations, driverID)
	return nil
}

// ──────────────────────────────────────────────
// MOCK PORTS
// ──────────────────────────────────────────────

type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event

	PublishError error
}

func (m *mockPublisher) Publish(ctx context.Context, event domain.Event) error {
	if m.PublishError != nil {
		return m.PublishError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) Events(eventType domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type mockGeocoder struct {
	places map[string]domain.Location
	err    error

	ReverseError error
}

func (m *mockGeocoder) Geocode(ctx context.Context, address string) (domain.Location, error) {
	if m.err != nil {
		return domain.Location{}, m.err
	}
	loc, ok := m.places[strings.ToLower(address)]
	if !ok {
		return domain.Location{}, ErrLocationNotResolved
	}
	return loc, nil
}

func (m *mockGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	if m.ReverseError != nil {
		return "", m.ReverseError
	}
	return "Shared location", nil
}

type mockRouter struct {
	route domain.Route
	err   error
}

func (m *mockRouter) Route(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	if m.err != nil {
		return domain.Route{}, m.err
	}
	return m.route, nil
}

// ──────────────────────────────────────────────
// HELPERS
// ──────────────────────────────────────────────

var (
	testPickup      = domain.Location{Latitude: 52.0, Longitude: 13.0, Address: "Pickup"}
	testDestination = domain.Location{Latitude: 52.05, Longitude: 13.1, Address: "Destination"}
)

func testTariff() config.FareConfig {
	fares := config.DefaultFareConfig()
	fares.Timezone = "UTC"
	if err := fares.Validate(); err != nil {
		panic(err)
	}
	return fares
}

// fixedClock returns midday UTC, outside the night window.
func fixedClock() time.Time {
	return time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
}

type tripFixture struct {
	repo      *mockTripRepository
	publisher *mockPublisher
	service   *TripService
}

func newTripFixture() *tripFixture {
	repo := newMockTripRepository()
	publisher := &mockPublisher{}
	svc := NewTripService(repo, NewFareCalculator(testTariff(), nil), publisher, WithTripClock(fixedClock))
	return &tripFixture{repo: repo, publisher: publisher, service: svc}
}

// seedTrip stores a trip in status and returns its id.
func (f *tripFixture) seedTrip(id string, status domain.TripStatus, driverID string) string {
	trip := &domain.Trip{
		ID:          id,
		PassengerID: "rider-" + id,
		DriverID:    driverID,
		Pickup:      testPickup,
		Destination: testDestination,
		Status:      status,
		CreatedAt:   fixedClock(),
	}
	trip.MarkEntered(status, fixedClock())
	f.repo.AddTrip(trip)
	return id
}

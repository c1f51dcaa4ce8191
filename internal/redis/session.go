package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"ridecore/internal/domain"
)

const driverSessionPrefix = "driver:session:"

func tripDriversKey(tripID string) string {
	return "trip:" + tripID + ":drivers"
}

// SessionStore keeps live driver sessions and the trip -> drivers index used
// to release every driver holding a trip when it ends. A trip offered to
// several drivers is bound to each of them until they let go.
type SessionStore struct {
	client *redis.Client
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

// Get returns nil, nil when the driver has no session yet.
func (s *SessionStore) Get(ctx context.Context, driverID string) (*domain.DriverSession, error) {
	data, err := s.client.Get(ctx, driverSessionPrefix+driverID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var session domain.DriverSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Save writes the session and, when it is bound to a trip, adds the driver
// to the trip index, in one MULTI.
func (s *SessionStore) Save(ctx context.Context, session *domain.DriverSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, driverSessionPrefix+session.DriverID, data, 0)
		if session.CurrentTripID != "" {
			pipe.SAdd(ctx, tripDriversKey(session.CurrentTripID), session.DriverID)
		}
		return nil
	})
	return err
}

// DriversForTrip returns the drivers bound to the trip, empty when none.
func (s *SessionStore) DriversForTrip(ctx context.Context, tripID string) ([]string, error) {
	return s.client.SMembers(ctx, tripDriversKey(tripID)).Result()
}

// ReleaseTrip removes driverID from the trip index. Other drivers bound to
// the same trip keep their binding.
func (s *SessionStore) ReleaseTrip(ctx context.Context, tripID, driverID string) error {
	return s.client.SRem(ctx, tripDriversKey(tripID), driverID).Err()
}

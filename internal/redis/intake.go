package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ridecore/internal/domain"
)

const intakeKeyPrefix = "intake:"

// IntakeStore keeps intake sessions as JSON with a sliding TTL, so abandoned
// conversations expire on their own.
type IntakeStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIntakeStore creates a new IntakeStore.
func NewIntakeStore(client *redis.Client, ttl time.Duration) *IntakeStore {
	return &IntakeStore{client: client, ttl: ttl}
}

func intakeKey(riderID, conversationID string) string {
	return intakeKeyPrefix + riderID + ":" + conversationID
}

// Get returns nil, nil when no session is stored.
func (s *IntakeStore) Get(ctx context.Context, riderID, conversationID string) (*domain.IntakeSession, error) {
	data, err := s.client.Get(ctx, intakeKey(riderID, conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var session domain.IntakeSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Save stores the session and restarts its TTL.
func (s *IntakeStore) Save(ctx context.Context, session *domain.IntakeSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, intakeKey(session.RiderID, session.ConversationID), data, s.ttl).Err()
}

// Delete removes the session.
func (s *IntakeStore) Delete(ctx context.Context, riderID, conversationID string) error {
	return s.client.Del(ctx, intakeKey(riderID, conversationID)).Err()
}

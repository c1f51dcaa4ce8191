package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeclinedOfferTTL bounds how long a decline blocks re-offering the same trip.
const DeclinedOfferTTL = time.Hour

// OfferStore records which drivers declined a trip, one set per trip.
type OfferStore struct {
	client *redis.Client
}

// NewOfferStore creates a new OfferStore.
func NewOfferStore(client *redis.Client) *OfferStore {
	return &OfferStore{client: client}
}

func declinedKey(tripID string) string {
	return "matching:trip:" + tripID + ":declined"
}

// MarkDeclined adds driverID to the trip's declined set.
func (s *OfferStore) MarkDeclined(ctx context.Context, tripID, driverID string) error {
	key := declinedKey(tripID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, driverID)
		pipe.Expire(ctx, key, DeclinedOfferTTL)
		return nil
	})
	return err
}

// HasDeclined reports whether driverID declined the trip.
func (s *OfferStore) HasDeclined(ctx context.Context, tripID, driverID string) (bool, error) {
	return s.client.SIsMember(ctx, declinedKey(tripID), driverID).Result()
}

// Declined lists the drivers that declined the trip.
func (s *OfferStore) Declined(ctx context.Context, tripID string) ([]string, error) {
	return s.client.SMembers(ctx, declinedKey(tripID)).Result()
}

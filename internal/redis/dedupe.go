package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupePrefix = "events:seen:"

// Deduper remembers processed event keys for a while so redelivered
// messages are handled once.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduper creates a new Deduper.
func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{client: client, ttl: ttl}
}

// FirstSeen marks key as seen and reports whether it was new.
func (d *Deduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, dedupePrefix+key, time.Now().Unix(), d.ttl).Result()
}

// Forget drops key so a failed message can be processed on redelivery.
func (d *Deduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, dedupePrefix+key).Err()
}

package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers processed event ids for TTLDedup.
type Deduper struct {
	rdb      *redis.Client
	consumer string
	ttl      time.Duration
}

func NewDeduper(rdb *redis.Client, consumer string) *Deduper {
	return &Deduper{rdb: rdb, consumer: consumer, ttl: TTLDedup}
}

func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.rdb, DedupKey(d.consumer, eventID))
}

// Mark records eventID as processed. Call it only after the handler succeeded.
func (d *Deduper) Mark(ctx context.Context, eventID string) error {
	return d.rdb.Set(ctx, DedupKey(d.consumer, eventID), time.Now().UTC().Format(time.RFC3339), d.ttl).Err()
}

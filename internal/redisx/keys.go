package redisx

import (
	"fmt"
	"time"
)

const (
	// Engine lock: lock:{product:<id>|order:<id>} -> owner token
	KeyLock = "lock:%s"

	// Dedup inbound event processing: dedup:{consumer}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLDedup = 48 * time.Hour
)

func LockKey(k string) string { return fmt.Sprintf(KeyLock, k) }

func DedupKey(consumer, eventID string) string { return fmt.Sprintf(KeyDedup, consumer, eventID) }

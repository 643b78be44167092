// Package ratelimit bounds per-client request rates on village routes.
// Counters are fixed one-minute windows keyed by village and client. A
// denied request still counts against its window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store abstracts where the minute windows live. Allow reports whether
// the client may make another request against the village this minute;
// limit is the village policy's per-minute budget, clamped to at least 1.
type Store interface {
	Allow(ctx context.Context, villageID, clientKey string, limit int) (bool, error)
}

// evictThreshold bounds the in-process bucket map. Past it, windows more
// than five minutes old are dropped on the next request.
const evictThreshold = 5000

type bucketKey struct {
	villageID string
	clientKey string
}

type window struct {
	minute int64
	count  int
}

// MemoryStore keeps the windows in process. Suitable for a single node;
// use RedisStore when several nodes share one public address.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[bucketKey]window
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[bucketKey]window),
		clock:   time.Now,
	}
}

func (s *MemoryStore) Allow(_ context.Context, villageID, clientKey string, limit int) (bool, error) {
	minute := s.clock().Unix() / 60

	s.mu.Lock()
	defer s.mu.Unlock()

	k := bucketKey{villageID: villageID, clientKey: clientKey}
	w, ok := s.buckets[k]
	if !ok || w.minute != minute {
		w = window{minute: minute}
	}
	w.count++
	s.buckets[k] = w

	if len(s.buckets) > evictThreshold {
		cutoff := minute - 5
		for kk, ww := range s.buckets {
			if ww.minute < cutoff {
				delete(s.buckets, kk)
			}
		}
	}

	if limit < 1 {
		limit = 1
	}
	return w.count <= limit, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// minuteWindowScript counts one request atomically. The key already
// encodes the minute, so a fresh window starts at 1; the two minute TTL
// self-cleans closed windows.
var minuteWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("EXPIRE", KEYS[1], 120)
end
if n > tonumber(ARGV[1]) then
    return 0
end
return 1
`)

// RedisStore shares minute windows across nodes behind one address.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		clock:  time.Now,
	}
}

func (s *RedisStore) Allow(ctx context.Context, villageID, clientKey string, limit int) (bool, error) {
	if limit < 1 {
		limit = 1
	}
	minute := s.clock().Unix() / 60
	key := fmt.Sprintf("links:ratelimit:%s:%s:%d", villageID, clientKey, minute)
	res, err := minuteWindowScript.Run(ctx, s.client, []string{key}, limit).Int()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

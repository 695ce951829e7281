package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/starwalkn/egress/internal/circuitbreaker"
)

// incrScript increments the window counter and sets its expiry on the first increment only,
// so the whole read-modify-write is a single atomic step on the server.
var incrScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], 'count', 1)
if n == 1 then
  redis.call('HSET', KEYS[1], 'expiresAt', ARGV[1])
  redis.call('EXPIREAT', KEYS[1], ARGV[1])
end
return n
`)

type breakerRecord struct {
	circuitbreaker.State

	ExpiresAt int64 `json:"expiresAt"`
}

// Store keeps rate counters and breaker state in Redis. It is shared by every proxy instance.
type Store struct {
	rdb redis.UniversalClient

	now func() time.Time
}

func New(rdb redis.UniversalClient) *Store {
	return &Store{
		rdb: rdb,
		now: time.Now,
	}
}

// Connect builds a client from a redis:// URL, or from a bare address when url is empty, and pings it.
func Connect(ctx context.Context, url, addr, password string, db int) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}

	if url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}

		opts = parsed
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return rdb, nil
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	expiresAt := s.now().Add(ttl).Unix()

	n, err := incrScript.Run(ctx, s.rdb, []string{key}, expiresAt).Int64()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}

	return n, nil
}

func (s *Store) Load(ctx context.Context, key string) (circuitbreaker.State, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return circuitbreaker.State{}, nil
	}

	if err != nil {
		return circuitbreaker.State{}, fmt.Errorf("get %s: %w", key, err)
	}

	var rec breakerRecord
	if err = json.Unmarshal(raw, &rec); err != nil {
		return circuitbreaker.State{}, fmt.Errorf("decode %s: %w", key, err)
	}

	return rec.State, nil
}

func (s *Store) Save(ctx context.Context, key string, state circuitbreaker.State, ttl time.Duration) error {
	raw, err := json.Marshal(breakerRecord{
		State:     state,
		ExpiresAt: s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if err = s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	return nil
}

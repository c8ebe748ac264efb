package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	gjson "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces gate entries in a shared Redis.
const DefaultKeyPrefix = "recordsync:idem:"

// RedisStore keeps entries in Redis so that every replica of the service
// shares one gate. TTLs are enforced by Redis.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore wraps client. An empty prefix selects DefaultKeyPrefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis parses a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := gjson.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode idempotency entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := gjson.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	e, err := decodeEntry(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, entry *Entry, ttl time.Duration) (bool, error) {
	data, err := encodeEntry(entry)
	if err != nil {
		return false, err
	}
	ok, err := s.client.SetNX(ctx, s.key(key), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// releaseScript deletes KEYS[1] only while it holds the in-flight marker
// owned by ARGV[1].
var releaseScript = redis.NewScript(`
local data = redis.call("GET", KEYS[1])
if not data then
	return 0
end
local entry = cjson.decode(data)
if entry.state ~= ARGV[2] or entry.owner ~= ARGV[1] then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

func (s *RedisStore) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, owner, string(StateInFlight)).Int()
	if err != nil {
		return false, fmt.Errorf("redis release: %w", err)
	}
	return n == 1, nil
}

// Ping checks the connection for the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

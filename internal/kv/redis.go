package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const maxUpdateAttempts = 8

var (
	// ErrUpdateConflict indicates an optimistic update kept losing to concurrent writers.
	ErrUpdateConflict = errors.New("kv: update conflict")

	deleteIfEqualsScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore implements Store on top of a Redis client.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client. The caller owns the client lifecycle.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("kv: redis client required")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	return s.client.Expire(ctx, key, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	removed, err := deleteIfEqualsScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, mutate Mutator) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		written := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, getErr := tx.Get(ctx, key).Result()
			exists := true
			if errors.Is(getErr, redis.Nil) {
				current, exists = "", false
			} else if getErr != nil {
				return getErr
			}
			next, write := mutate(current, exists)
			if !write {
				return nil
			}
			_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, ttl)
				return nil
			})
			if pipeErr == nil {
				written = true
			}
			return pipeErr
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		return written, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUpdateConflict, key)
}

func (s *RedisStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, member)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(members))
	for _, member := range members {
		values = append(values, member)
	}
	return s.client.SRem(ctx, key, values...).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package identity

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares the identity between hosts that point at the same Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = &RedisStore{}

func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis identity store: client is nil")
	}
	if prefix == "" {
		prefix = "agentdeck:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis identity store: get")
	}
	return v, true, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, key, value string) (string, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, 0).Result()
	if err != nil {
		return "", errors.Wrap(err, "redis identity store: setnx")
	}
	if ok {
		return value, nil
	}
	v, found, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errors.Errorf("redis identity store: %q vanished after setnx", key)
	}
	return v, nil
}

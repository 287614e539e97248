package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/redis/go-redis/v9"
)

var _ ports.CredentialStore = (*RedisStore)(nil)

// RedisStore keeps the credential of one profile under a single Redis key,
// so every Set, Get and Clear is one atomic command.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisStore creates a Redis store for the given profile. A zero ttl keeps
// the credential until it is cleared.
func NewRedisStore(client redis.UniversalClient, profile string, ttl time.Duration) *RedisStore {
	if profile == "" {
		profile = "default"
	}
	return &RedisStore{
		client: client,
		key:    "gatekeeper:credential:" + profile,
		ttl:    ttl,
	}
}

// Get loads the credential from Redis
func (s *RedisStore) Get(ctx context.Context) (*core.Credential, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get: %v", core.ErrStoreOperationFailed, err)
	}

	var cred core.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("%w: decode credential: %v", core.ErrStoreOperationFailed, err)
	}
	return &cred, nil
}

// Set writes the credential to Redis
func (s *RedisStore) Set(ctx context.Context, cred core.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("%w: encode credential: %v", core.ErrStoreOperationFailed, err)
	}
	if err := s.client.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// Clear deletes the credential key
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

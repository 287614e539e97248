package store

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/redis/go-redis/v9"
)

var _ ports.RevocationStore = (*RedisRevocations)(nil)

// RedisRevocations is a Redis implementation of the RevocationStore
// interface. Entries expire with the key TTL.
type RedisRevocations struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRevocations creates a new Redis revocation list
func NewRedisRevocations(client redis.UniversalClient) *RedisRevocations {
	return &RedisRevocations{
		client: client,
		prefix: "gatekeeper:revoked:",
	}
}

// Revoke marks a refresh token as revoked in Redis
func (s *RedisRevocations) Revoke(ctx context.Context, refreshID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+refreshID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: revoke token: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// IsRevoked checks if a refresh token is revoked in Redis
func (s *RedisRevocations) IsRevoked(ctx context.Context, refreshID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+refreshID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check revocation: %v", core.ErrStoreOperationFailed, err)
	}
	return n > 0, nil
}

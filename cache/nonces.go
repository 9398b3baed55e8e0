package cache

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/OldEphraim/strategy-vault/auth"
)

const DefaultNoncePrefix = "vault:nonce:"

type setNXClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RequestNonces shares replay protection across API replicas. Keys expire on
// their own, so nothing has to sweep them.
type RequestNonces struct {
	client setNXClient
	prefix string
}

var _ auth.NonceStore = (*RequestNonces)(nil)

func NewRequestNonces(client *redis.Client, prefix string) *RequestNonces {
	return newRequestNonces(client, prefix)
}

func newRequestNonces(client setNXClient, prefix string) *RequestNonces {
	if prefix == "" {
		prefix = DefaultNoncePrefix
	}
	return &RequestNonces{client: client, prefix: prefix}
}

func (n *RequestNonces) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := n.client.SetNX(ctx, n.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

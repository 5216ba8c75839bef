package token

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonces records used nonces in Redis so that every provider
// instance sharing the server rejects the same replay. It satisfies
// oauth1.NonceStore.
type RedisNonces struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisNonces returns a nonce store under keyPrefix+"nonce:".
func NewRedisNonces(client redis.UniversalClient, keyPrefix string) *RedisNonces {
	return &RedisNonces{client: client, keyPrefix: keyPrefix}
}

// Use sets the nonce key with SET NX and reports whether it was new.
func (n *RedisNonces) Use(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := n.client.SetNX(ctx, n.keyPrefix+"nonce:"+key, 1, ttl).Result()
	if err != nil {
		return false, unavailable("failed to record nonce", err)
	}
	return ok, nil
}

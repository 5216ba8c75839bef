package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/alexjbarnes/oauth1-provider/internal/config"
	"github.com/alexjbarnes/oauth1-provider/internal/consumer"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
	"github.com/alexjbarnes/oauth1-provider/internal/secret"
	"github.com/alexjbarnes/oauth1-provider/internal/state"
	"github.com/alexjbarnes/oauth1-provider/internal/token"
	"github.com/redis/go-redis/v9"
)

// errNoPersistentRegistry is returned by consumer administration when
// the backend keeps consumers only in memory.
var errNoPersistentRegistry = errors.New("this store backend has no persistent consumer registry; manage consumers through CONSUMERS_FILE")

// backend is the storage selected by STORE_BACKEND.
type backend struct {
	consumers consumer.Registry
	tokens    token.Store

	// nonces is nil when the validator's in-memory cache should be used.
	nonces oauth1.NonceStore

	// persistent reports whether consumers survive a restart.
	persistent bool

	closers []io.Closer
}

// openBackend opens the store named by cfg.StoreBackend:
//
//   - bolt: consumers and tokens in the state database
//   - redis: tokens and nonces in Redis, consumers in memory
//   - memory: everything in memory
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn("memory store backend: tokens and consumers are lost on restart")

		return &backend{
			consumers: consumer.NewMemoryRegistry(),
			tokens:    token.NewMemoryStore(),
		}, nil

	case config.BackendRedis:
		client, err := token.NewRedisClient(ctx, token.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, err
		}

		sealer, err := redisSealer(ctx, cfg, client)
		if err != nil {
			_ = client.Close()
			return nil, err
		}

		return &backend{
			consumers: consumer.NewMemoryRegistry(),
			tokens:    token.NewRedisStore(client, cfg.RedisKeyPrefix, sealer),
			nonces:    token.NewRedisNonces(client, cfg.RedisKeyPrefix),
			closers:   []io.Closer{client},
		}, nil

	default:
		st, err := openState(cfg)
		if err != nil {
			return nil, err
		}

		if err := st.Unlock(cfg.StorePassphrase); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("unlocking state: %w", err)
		}

		if cfg.StorePassphrase == "" {
			logger.Warn("STORE_PASSPHRASE is not set; secrets are stored unsealed")
		}

		return &backend{
			consumers:  st.Consumers(),
			tokens:     st.Tokens(),
			persistent: true,
			closers:    []io.Closer{st},
		}, nil
	}
}

func redisSealer(ctx context.Context, cfg *config.Config, client redis.UniversalClient) (secret.Sealer, error) {
	if cfg.StorePassphrase == "" {
		return secret.Nop{}, nil
	}

	salt, err := token.LoadOrCreateSalt(ctx, client, cfg.RedisKeyPrefix)
	if err != nil {
		return nil, err
	}

	return secret.FromPassphrase(cfg.StorePassphrase, salt)
}

func openState(cfg *config.Config) (*state.State, error) {
	if cfg.StatePath != "" {
		return state.LoadAt(cfg.StatePath)
	}

	return state.Load()
}

// Close releases every resource the backend opened.
func (b *backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}

	return errors.Join(errs...)
}

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
)

// ListAccessTokens returns the access tokens user has granted, oldest
// first.
func (s *Service) ListAccessTokens(ctx context.Context, user string) ([]models.Token, error) {
	tokens, err := s.store.AccessTokensForUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("listing access tokens: %w", err)
	}
	return tokens, nil
}

// RevokeAccessToken deletes an access token. Request tokens are not
// touched through this path.
func (s *Service) RevokeAccessToken(ctx context.Context, value string) error {
	t, err := s.store.Get(ctx, value)
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}
	if t == nil {
		return fmt.Errorf("access token: %w", apperrors.ErrNotFound)
	}
	if !t.AccessToken {
		return fmt.Errorf("revoking token %s: %w", t.ShortValue(), apperrors.ErrWrongTokenType)
	}

	removed, err := s.store.Remove(ctx, value)
	if err != nil {
		return fmt.Errorf("removing token: %w", err)
	}
	if !removed {
		return fmt.Errorf("access token: %w", apperrors.ErrNotFound)
	}

	s.logger.Info("access token revoked",
		slog.String("token", t.ShortValue()),
		slog.String("consumer", t.ConsumerKey),
		slog.String("user", t.AuthorizedUser),
	)
	s.metrics.TokensRemoved("revoked", 1)

	return nil
}

// RevokeConsumerTokens deletes every token issued to consumerKey, as
// when the consumer is deregistered.
func (s *Service) RevokeConsumerTokens(ctx context.Context, consumerKey string) (int, error) {
	n, err := s.store.RemoveByConsumer(ctx, consumerKey)
	if err != nil {
		return n, fmt.Errorf("removing consumer tokens: %w", err)
	}

	if n > 0 {
		s.logger.Info("consumer tokens revoked",
			slog.String("consumer", consumerKey),
			slog.Int("count", n),
		)
	}
	s.metrics.TokensRemoved("revoked", n)

	return n, nil
}

// SweepExpired removes tokens past their time to live.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.RemoveExpired(ctx, s.now())
	if err != nil {
		return n, fmt.Errorf("sweeping expired tokens: %w", err)
	}

	if n > 0 {
		s.logger.Debug("swept expired tokens", slog.Int("count", n))
	}
	s.metrics.TokensRemoved("expired", n)

	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done. Sweep
// failures are logged and the loop continues.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Warn("token sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Package provider runs the token lifecycle of the three-legged flow:
// issuing request tokens, recording a user's authorization and
// exchanging authorized request tokens for access tokens.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/identity"
	"github.com/alexjbarnes/oauth1-provider/internal/metrics"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
	"github.com/alexjbarnes/oauth1-provider/internal/random"
	"github.com/alexjbarnes/oauth1-provider/internal/token"
)

const (
	// DefaultRequestTokenTTL bounds how long a user has to authorize a
	// request token and the consumer has to exchange it.
	DefaultRequestTokenTTL = 10 * time.Minute

	// DefaultAccessTokenTTL is five years.
	DefaultAccessTokenTTL = 5 * 365 * 24 * time.Hour
)

// Config tunes a Service. Zero fields take their defaults.
type Config struct {
	RequestTokenTTL time.Duration
	AccessTokenTTL  time.Duration
	Now             func() time.Time
	Metrics         *metrics.Metrics
}

// Service issues and exchanges tokens against a token.Store.
type Service struct {
	store   token.Store
	gen     *random.Generator
	logger  *slog.Logger
	metrics *metrics.Metrics

	requestTTL time.Duration
	accessTTL  time.Duration
	now        func() time.Time
}

// NewService returns a Service. gen must be non-nil; a nil logger
// discards.
func NewService(store token.Store, gen *random.Generator, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Service{
		store:      store,
		gen:        gen,
		logger:     logger,
		metrics:    cfg.Metrics,
		requestTTL: cfg.RequestTokenTTL,
		accessTTL:  cfg.AccessTokenTTL,
		now:        cfg.Now,
	}
	if s.requestTTL <= 0 {
		s.requestTTL = DefaultRequestTokenTTL
	}
	if s.accessTTL <= 0 {
		s.accessTTL = DefaultAccessTokenTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// Store returns the underlying token store.
func (s *Service) Store() token.Store {
	return s.store
}

// GenerateRequestToken issues an unauthorized request token for c. msg
// is the signed request that asked for it and is only used for logging.
func (s *Service) GenerateRequestToken(ctx context.Context, c *models.Consumer, callbackURL string, msg *oauth1.Message) (*models.Token, error) {
	if c == nil {
		return nil, errors.New("consumer is required")
	}

	t := models.Token{
		Value:        s.gen.TokenValue(),
		Secret:       s.gen.TokenSecret(),
		ConsumerKey:  c.Key,
		CallbackURL:  callbackURL,
		CreationTime: s.now().UnixMilli(),
		TimeToLive:   s.requestTTL,
	}

	if err := s.store.Put(ctx, t); err != nil {
		return nil, fmt.Errorf("storing request token: %w", err)
	}

	attrs := []any{
		slog.String("token", t.ShortValue()),
		slog.String("consumer", c.Key),
	}
	if msg != nil {
		attrs = append(attrs, slog.String("url", msg.URL))
	}
	s.logger.Debug("issued request token", attrs...)
	s.metrics.TokenIssued(metrics.KindRequest)

	return &t, nil
}

// AuthorizeRequestToken records that caller grants the request token to
// its consumer and attaches a fresh verifier. Authorizing again issues a
// new verifier and the previous one stops working.
func (s *Service) AuthorizeRequestToken(ctx context.Context, value string, caller identity.Caller) (*models.Token, error) {
	if identity.IsAnonymous(caller) {
		s.logger.Warn("refusing to authorize token for unauthenticated caller",
			slog.String("token", models.Truncate(value)),
		)
		return nil, apperrors.ErrAuthenticationRequired
	}

	t, err := s.store.Get(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("loading request token: %w", err)
	}
	if t == nil {
		s.logger.Warn("request token not found", slog.String("token", models.Truncate(value)))
		return nil, fmt.Errorf("request token: %w", apperrors.ErrNotFound)
	}
	if t.AccessToken {
		s.logger.Warn("expected a request token but found an access token", slog.String("token", t.ShortValue()))
		return nil, fmt.Errorf("authorizing token %s: %w", t.ShortValue(), apperrors.ErrWrongTokenType)
	}

	user := caller.CurrentUser().Name
	if t.IsAuthorized() {
		s.logger.Warn("re-authorizing request token, previous verifier is replaced",
			slog.String("token", t.ShortValue()),
			slog.String("previous_user", t.AuthorizedUser),
			slog.String("user", user),
		)
	}

	t.Verifier = s.gen.Verifier()
	t.AuthorizedUser = user

	replaced, err := s.store.ReplaceRequestToken(ctx, *t)
	if err != nil {
		return nil, fmt.Errorf("storing authorized request token: %w", err)
	}
	if !replaced {
		// Exchanged or removed between the read and the write.
		return nil, fmt.Errorf("request token: %w", apperrors.ErrNotFound)
	}

	s.logger.Info("request token authorized",
		slog.String("token", t.ShortValue()),
		slog.String("consumer", t.ConsumerKey),
		slog.String("user", user),
	)
	s.metrics.Authorized()

	return t, nil
}

// GenerateAccessToken exchanges an authorized request token for a new
// access token when verifier is the one most recently issued for it. The
// request token is consumed; of several concurrent exchanges only one
// succeeds and the rest get ErrNotFound. A stale or wrong verifier gets
// ErrVerifierMismatch and leaves the request token in place.
func (s *Service) GenerateAccessToken(ctx context.Context, requestToken, verifier string) (*models.Token, error) {
	t, err := s.store.Get(ctx, requestToken)
	if err != nil {
		return nil, fmt.Errorf("loading request token: %w", err)
	}
	if t == nil {
		s.logger.Warn("request token not found", slog.String("token", models.Truncate(requestToken)))
		return nil, fmt.Errorf("request token: %w", apperrors.ErrNotFound)
	}
	if t.AccessToken {
		s.logger.Warn("token is not a request token", slog.String("token", t.ShortValue()))
		return nil, fmt.Errorf("exchanging token %s: %w", t.ShortValue(), apperrors.ErrWrongTokenType)
	}
	if !t.IsAuthorized() {
		s.logger.Warn("request token is not verified",
			slog.String("token", t.ShortValue()),
			slog.Bool("has_verifier", t.Verifier != ""),
			slog.Bool("has_user", t.AuthorizedUser != ""),
		)
		return nil, fmt.Errorf("exchanging token %s: %w", t.ShortValue(), apperrors.ErrNotVerified)
	}

	taken, err := s.store.TakeRequestToken(ctx, requestToken, verifier)
	if errors.Is(err, apperrors.ErrVerifierMismatch) {
		s.logger.Warn("verifier mismatch", slog.String("token", t.ShortValue()))
		return nil, fmt.Errorf("exchanging token %s: %w", t.ShortValue(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming request token: %w", err)
	}
	if taken == nil {
		return nil, fmt.Errorf("request token: %w", apperrors.ErrNotFound)
	}
	if !taken.IsAuthorized() {
		// Replaced by an unauthorized copy between the two reads; it is
		// gone now, so this exchange cannot proceed.
		return nil, fmt.Errorf("exchanging token %s: %w", taken.ShortValue(), apperrors.ErrNotVerified)
	}

	access := models.Token{
		Value:          s.gen.TokenValue(),
		Secret:         s.gen.TokenSecret(),
		ConsumerKey:    taken.ConsumerKey,
		AccessToken:    true,
		CallbackURL:    taken.CallbackURL,
		CreationTime:   s.now().UnixMilli(),
		TimeToLive:     s.accessTTL,
		AuthorizedUser: taken.AuthorizedUser,
	}

	if err := s.store.Put(ctx, access); err != nil {
		return nil, fmt.Errorf("storing access token: %w", err)
	}

	s.logger.Info("access token issued",
		slog.String("request_token", taken.ShortValue()),
		slog.String("token", access.ShortValue()),
		slog.String("consumer", access.ConsumerKey),
		slog.String("user", access.AuthorizedUser),
	)
	s.metrics.TokenIssued(metrics.KindAccess)

	return &access, nil
}

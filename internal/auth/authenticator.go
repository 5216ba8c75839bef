// Package auth authenticates OAuth 1.0a signed requests and serves the
// request-token, authorize and access-token endpoints of the
// three-legged flow.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/consumer"
	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/identity"
	"github.com/alexjbarnes/oauth1-provider/internal/metrics"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
	"github.com/alexjbarnes/oauth1-provider/internal/token"
)

//go:generate mockgen -destination=mocks/mock_auth.go -package=mocks github.com/alexjbarnes/oauth1-provider/internal/auth SignatureValidator,PasswordChecker
//go:generate mockgen -destination=mocks/mock_identity.go -package=mocks github.com/alexjbarnes/oauth1-provider/internal/identity Directory,SecurityChecker

// SignatureValidator verifies a signed message against key material.
// oauth1.Validator is the production implementation.
type SignatureValidator interface {
	Validate(ctx context.Context, msg *oauth1.Message, a oauth1.Accessor) error
}

// PasswordChecker verifies a login on the authorize page.
type PasswordChecker interface {
	Authenticate(name, password string) (*models.Identity, error)
}

// accessAttemptParams must all be present for a request to count as an
// OAuth access attempt.
var accessAttemptParams = []string{
	oauth1.ParamConsumerKey,
	oauth1.ParamToken,
	oauth1.ParamSignatureMethod,
	oauth1.ParamSignature,
	oauth1.ParamTimestamp,
	oauth1.ParamNonce,
}

// FailedError is returned by Authenticate when a request is an OAuth
// access attempt but cannot be accepted. Err is an *oauth1.Problem for
// protocol rejections, wraps errors.ErrNoSuchUser when the token's user
// has gone, or is a store or parse failure.
type FailedError struct {
	Token   string
	User    string
	Message *oauth1.Message
	Err     error
}

func (e *FailedError) Error() string {
	return "oauth authentication failed: " + e.Err.Error()
}

func (e *FailedError) Unwrap() error { return e.Err }

// Endpoints holds the request paths of the token endpoints.
type Endpoints struct {
	RequestToken string
	Authorize    string
	AccessToken  string
}

// NewEndpoints places the three endpoints under base, e.g. "/oauth/1.0".
func NewEndpoints(base string) Endpoints {
	base = "/" + strings.Trim(base, "/")
	if base == "/" {
		base = ""
	}
	return Endpoints{
		RequestToken: base + "/request-token",
		Authorize:    base + "/authorize",
		AccessToken:  base + "/access-token",
	}
}

// IsAccessAttempt reports whether msg, received at path, is a signed
// request for a protected resource rather than a token request. Three
// legged attempts carry a non-empty oauth_token; two legged ones carry
// it empty.
func (e Endpoints) IsAccessAttempt(msg *oauth1.Message, path string) bool {
	for _, p := range accessAttemptParams {
		if !msg.Has(p) {
			return false
		}
	}

	if msg.Token() != "" {
		return !strings.HasSuffix(path, e.AccessToken)
	}
	return !strings.HasSuffix(path, e.RequestToken)
}

// AuthenticatorConfig wires an Authenticator to its collaborators.
type AuthenticatorConfig struct {
	Security  identity.SecurityChecker
	Tokens    token.Store
	Consumers consumer.Registry
	Validator SignatureValidator
	Directory identity.Directory
	Endpoints Endpoints

	// ServerURL is the external scheme://host of the provider. Signatures
	// are checked against it instead of the Host header when set.
	ServerURL string

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Authenticator resolves OAuth-signed requests to the user their access
// token was issued for. It never mutates tokens.
type Authenticator struct {
	security  identity.SecurityChecker
	tokens    token.Store
	consumers consumer.Registry
	validator SignatureValidator
	directory identity.Directory
	endpoints Endpoints
	serverURL string
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewAuthenticator returns an Authenticator. Now defaults to time.Now.
func NewAuthenticator(cfg AuthenticatorConfig) *Authenticator {
	a := &Authenticator{
		security:  cfg.Security,
		tokens:    cfg.Tokens,
		consumers: cfg.Consumers,
		validator: cfg.Validator,
		directory: cfg.Directory,
		endpoints: cfg.Endpoints,
		serverURL: cfg.ServerURL,
		now:       cfg.Now,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	return a
}

// Authenticate returns the identity behind an OAuth access attempt. It
// returns nil, nil when security is disabled or the request is not an
// OAuth access attempt, so the caller may fall through to other schemes.
// Rejections are *FailedError.
func (a *Authenticator) Authenticate(r *http.Request) (*models.Identity, error) {
	if a.security != nil && !a.security.Enabled() {
		return nil, nil
	}

	if !oauth1.HasAuthorizationScheme(r.Header.Get("Authorization")) {
		return nil, nil
	}

	msg, err := oauth1.ParseRequest(r, LogicalURL(a.serverURL, r))
	if err != nil {
		a.metrics.Authentication("malformed")
		return nil, &FailedError{Err: err}
	}

	if !a.endpoints.IsAccessAttempt(msg, r.URL.Path) {
		return nil, nil
	}

	tokenValue := msg.Token()
	if tokenValue == "" {
		a.logger.Debug("two-legged request rejected", slog.String("consumer", msg.ConsumerKey()))
		return nil, a.fail(tokenValue, "", msg, oauth1.NewProblem(oauth1.ProblemTokenRejected))
	}

	user, err := a.verifyToken(r.Context(), msg, tokenValue)
	if err != nil {
		return nil, a.fail(tokenValue, "", msg, err)
	}

	id, err := a.directory.Lookup(r.Context(), user)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNoSuchUser) {
			err = fmt.Errorf("resolving user %q: %w", user, err)
		}
		return nil, a.fail(tokenValue, user, msg, err)
	}

	a.logger.Debug("oauth request authenticated",
		slog.String("token", models.Truncate(tokenValue)),
		slog.String("consumer", msg.ConsumerKey()),
		slog.String("user", id.Name),
	)
	a.metrics.Authentication("ok")

	return id, nil
}

// verifyToken runs the token, consumer and signature checks and returns
// the user the token was authorized by.
func (a *Authenticator) verifyToken(ctx context.Context, msg *oauth1.Message, value string) (string, error) {
	short := models.Truncate(value)

	t, err := a.tokens.Get(ctx, value)
	if err != nil {
		return "", fmt.Errorf("loading token: %w", err)
	}

	switch {
	case t == nil:
		a.logger.Debug("token rejected: not found", slog.String("token", short))
		return "", oauth1.NewProblem(oauth1.ProblemTokenRejected)
	case !t.AccessToken:
		a.logger.Debug("token rejected: not an access token", slog.String("token", short))
		return "", oauth1.NewProblem(oauth1.ProblemTokenRejected)
	case t.AuthorizedUser == "":
		a.logger.Debug("token rejected: no associated user", slog.String("token", short))
		return "", oauth1.NewProblem("No user associated with the token")
	case t.ConsumerKey != msg.ConsumerKey():
		a.logger.Debug("token rejected: consumer mismatch",
			slog.String("token", short),
			slog.String("token_consumer", t.ConsumerKey),
			slog.String("request_consumer", msg.ConsumerKey()),
		)
		return "", oauth1.NewProblem(oauth1.ProblemTokenRejected)
	case t.HasExpired(a.now()):
		a.logger.Debug("token rejected: expired",
			slog.String("token", short),
			slog.Time("expired_at", t.ExpiresAt()),
		)
		return "", oauth1.NewProblem(oauth1.ProblemTokenExpired)
	}

	c, err := a.consumers.Get(ctx, t.ConsumerKey)
	if err != nil {
		return "", fmt.Errorf("loading consumer: %w", err)
	}
	if c == nil {
		a.logger.Info("unknown consumer key in oauth request", slog.String("consumer", t.ConsumerKey))
		return "", oauth1.NewProblem(oauth1.ProblemConsumerKeyUnknown)
	}

	if err := a.validator.Validate(ctx, msg, oauth1.Accessor{Consumer: c, TokenSecret: t.Secret}); err != nil {
		return "", err
	}

	return t.AuthorizedUser, nil
}

func (a *Authenticator) fail(tokenValue, user string, msg *oauth1.Message, err error) *FailedError {
	switch {
	case oauth1.ProblemCode(err) != "":
		a.metrics.Authentication(oauth1.ProblemCode(err))
	case errors.Is(err, apperrors.ErrNoSuchUser):
		a.metrics.Authentication("no_such_user")
	default:
		a.metrics.Authentication("error")
	}

	return &FailedError{Token: tokenValue, User: user, Message: msg, Err: err}
}

// LogicalURL is the URL a consumer signed for r: serverURL joined with
// the request path. It returns "" when serverURL is empty, which makes
// oauth1.ParseRequest derive the URL from the request itself.
func LogicalURL(serverURL string, r *http.Request) string {
	if serverURL == "" {
		return ""
	}
	return strings.TrimRight(serverURL, "/") + r.URL.EscapedPath()
}

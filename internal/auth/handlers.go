package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/consumer"
	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/metrics"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
	"github.com/alexjbarnes/oauth1-provider/internal/provider"
	"github.com/alexjbarnes/oauth1-provider/internal/random"
)

// maxRequestBody caps form bodies on the token endpoints.
const maxRequestBody = 64 << 10

// HandlersConfig wires the token endpoints to the provider.
type HandlersConfig struct {
	Service   *provider.Service
	Consumers consumer.Registry
	Validator SignatureValidator
	Users     PasswordChecker
	Generator *random.Generator
	ServerURL string
	Realm     string
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Handlers serves the request-token, authorize and access-token
// endpoints.
type Handlers struct {
	service   *provider.Service
	consumers consumer.Registry
	validator SignatureValidator
	users     PasswordChecker
	serverURL string
	realm     string
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics

	csrf    *csrfStore
	limiter *loginRateLimiter
}

// NewHandlers returns Handlers for cfg.
func NewHandlers(cfg HandlersConfig) *Handlers {
	gen := cfg.Generator
	if gen == nil {
		gen = random.New()
	}

	h := &Handlers{
		service:   cfg.Service,
		consumers: cfg.Consumers,
		validator: cfg.Validator,
		users:     cfg.Users,
		serverURL: cfg.ServerURL,
		realm:     cfg.Realm,
		now:       cfg.Now,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		csrf:      newCSRFStore(gen),
		limiter:   newLoginRateLimiter(),
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}

	return h
}

// parseSigned reads a signed token-endpoint request. It writes the
// response and returns nil when the request cannot be read.
func (h *Handlers) parseSigned(w http.ResponseWriter, r *http.Request) *oauth1.Message {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	msg, err := oauth1.ParseRequest(r, LogicalURL(h.serverURL, r))
	if err != nil {
		h.logger.Debug("unreadable oauth request",
			slog.String("ip", remoteIP(r)),
			slog.String("error", err.Error()),
		)
		http.Error(w, "invalid oauth request", http.StatusBadRequest)
		return nil
	}

	return msg
}

// writeError renders a Problem as a 401 challenge and anything else as
// a 500.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var problem *oauth1.Problem
	if errors.As(err, &problem) {
		h.logger.Info("oauth request rejected",
			slog.String("path", r.URL.Path),
			slog.String("ip", remoteIP(r)),
			slog.String("problem", problem.Code),
		)
		oauth1.WriteProblem(w, h.realm, problem)
		return
	}

	h.logger.Error("oauth request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeForm(w http.ResponseWriter, v url.Values) {
	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(v.Encode()))
}

// resolveCallback turns the oauth_callback a consumer sent into the URL
// stored on the request token. "oob" and "" fall back to the consumer's
// default callback, then to "oob". It reports false for a callback that
// is not an absolute URI.
func resolveCallback(raw string, c *models.Consumer) (string, bool) {
	if raw == "" || raw == oauth1.OutOfBand {
		if c.DefaultCallback != "" {
			return c.DefaultCallback, true
		}
		return oauth1.OutOfBand, true
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "", false
	}

	return raw, true
}

// RequestToken issues a request token to a consumer-signed request.
func (h *Handlers) RequestToken(w http.ResponseWriter, r *http.Request) {
	msg := h.parseSigned(w, r)
	if msg == nil {
		return
	}
	ctx := r.Context()

	c, err := h.consumers.Get(ctx, msg.ConsumerKey())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.validator.Validate(ctx, msg, oauth1.Accessor{Consumer: c}); err != nil {
		h.writeError(w, r, err)
		return
	}

	if !msg.Has(oauth1.ParamCallback) {
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemParameterAbsent).
			With("oauth_parameters_absent", oauth1.ParamCallback))
		return
	}

	callback, ok := resolveCallback(msg.Callback(), c)
	if !ok {
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemParameterRejected).
			With("oauth_parameters_rejected", oauth1.ParamCallback))
		return
	}

	t, err := h.service.GenerateRequestToken(ctx, c, callback, msg)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeForm(w, url.Values{
		oauth1.ParamToken:           {t.Value},
		oauth1.ParamTokenSecret:     {t.Secret},
		oauth1.ParamCallbackConfirm: {"true"},
	})
}

// AccessToken exchanges an authorized request token, signed with its
// secret and carrying the verifier, for an access token.
func (h *Handlers) AccessToken(w http.ResponseWriter, r *http.Request) {
	msg := h.parseSigned(w, r)
	if msg == nil {
		return
	}
	ctx := r.Context()

	value := msg.Token()
	if value == "" {
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemParameterAbsent).
			With("oauth_parameters_absent", oauth1.ParamToken))
		return
	}

	t, err := h.service.Store().Get(ctx, value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	switch {
	case t == nil, t.AccessToken, t.ConsumerKey != msg.ConsumerKey():
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemTokenRejected))
		return
	case t.HasExpired(h.now()):
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemTokenExpired))
		return
	}

	c, err := h.consumers.Get(ctx, t.ConsumerKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.validator.Validate(ctx, msg, oauth1.Accessor{Consumer: c, TokenSecret: t.Secret}); err != nil {
		h.writeError(w, r, err)
		return
	}

	if !t.IsAuthorized() {
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemPermissionUnknown))
		return
	}

	verifier := msg.Verifier()
	if verifier == "" {
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemParameterAbsent).
			With("oauth_parameters_absent", oauth1.ParamVerifier))
		return
	}

	access, err := h.service.GenerateAccessToken(ctx, value, verifier)
	switch {
	case errors.Is(err, apperrors.ErrVerifierMismatch):
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemParameterRejected).
			With("oauth_parameters_rejected", oauth1.ParamVerifier))
		return
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrWrongTokenType):
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemTokenRejected))
		return
	case errors.Is(err, apperrors.ErrNotVerified):
		h.writeError(w, r, oauth1.NewProblem(oauth1.ProblemPermissionUnknown))
		return
	case err != nil:
		h.writeError(w, r, err)
		return
	}

	writeForm(w, url.Values{
		oauth1.ParamToken:       {access.Value},
		oauth1.ParamTokenSecret: {access.Secret},
	})
}

// WhoAmI is a protected resource that reports the authenticated user.
func (h *Handlers) WhoAmI(w http.ResponseWriter, r *http.Request) {
	id := RequestUser(r.Context())
	if id == nil {
		w.Header().Set("WWW-Authenticate", `OAuth realm="`+h.realm+`"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(id)
}

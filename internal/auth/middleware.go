package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
)

type contextKey int

const (
	ctxUser contextKey = iota
	ctxRemoteIP
)

// RequestUser returns the identity the request was authenticated as, or
// nil for anonymous requests.
func RequestUser(ctx context.Context) *models.Identity {
	v, _ := ctx.Value(ctxUser).(*models.Identity)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware authenticates OAuth-signed requests before next runs.
// Requests that are not OAuth access attempts pass through anonymously.
// Protocol rejections get a 401 with an oauth_problem challenge; a
// malformed Authorization header gets a 400; a token whose user no
// longer exists, or a store failure, gets a 500.
func Middleware(a *Authenticator, realm string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			id, err := a.Authenticate(r)
			if err != nil {
				handleFailure(w, err, realm, ip, r.URL.Path, logger)
				return
			}

			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)

			if id == nil {
				logger.Debug("middleware: anonymous request",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				next.ServeHTTP(w, r.WithContext(ctx))

				return
			}

			logger.Debug("middleware: authenticated via oauth",
				slog.String("user", id.Name),
				slog.String("ip", ip),
			)

			ctx = context.WithValue(ctx, ctxUser, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func handleFailure(w http.ResponseWriter, err error, realm, ip, path string, logger *slog.Logger) {
	var failed *FailedError
	errors.As(err, &failed)

	attrs := []any{
		slog.String("ip", ip),
		slog.String("path", path),
		slog.String("error", err.Error()),
	}
	if failed != nil && failed.Token != "" {
		attrs = append(attrs, slog.String("token", models.Truncate(failed.Token)))
	}

	var problem *oauth1.Problem
	switch {
	case errors.As(err, &problem):
		logger.Info("middleware: oauth request rejected", attrs...)
		oauth1.WriteProblem(w, realm, problem)
	case errors.Is(err, oauth1.ErrMalformedHeader):
		logger.Info("middleware: malformed oauth header", attrs...)
		http.Error(w, "malformed OAuth authorization header", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrNoSuchUser):
		if failed != nil {
			attrs = append(attrs, slog.String("user", failed.User))
		}
		logger.Error("middleware: token user not found", attrs...)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	default:
		logger.Error("middleware: authentication error", attrs...)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

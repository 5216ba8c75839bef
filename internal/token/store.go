// Package token stores request and access tokens.
package token

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/models"
)

// Store is the persistent set of issued tokens, keyed by token value.
// Implementations are safe for concurrent use.
type Store interface {
	// Get returns the token with the given value, or nil, nil.
	Get(ctx context.Context, value string) (*models.Token, error)

	// Put inserts or replaces t.
	Put(ctx context.Context, t models.Token) error

	// Remove deletes the token and reports whether it existed.
	Remove(ctx context.Context, value string) (bool, error)

	// ReplaceRequestToken stores t only if a request token is still
	// stored under t.Value. It reports whether the replacement happened.
	ReplaceRequestToken(ctx context.Context, t models.Token) (bool, error)

	// TakeRequestToken removes and returns the request token stored under
	// value if its verifier equals verifier. At most one concurrent caller
	// receives the token; the rest get nil, nil. Access tokens are left in
	// place and yield nil. A verifier that does not match the stored one
	// leaves the token in place and returns ErrVerifierMismatch.
	TakeRequestToken(ctx context.Context, value, verifier string) (*models.Token, error)

	// AccessTokensForUser returns every access token authorized by user.
	AccessTokensForUser(ctx context.Context, user string) ([]models.Token, error)

	// RemoveExpired deletes every token expired at now and returns how
	// many were removed.
	RemoveExpired(ctx context.Context, now time.Time) (int, error)

	// RemoveByConsumer deletes every token issued to consumerKey and
	// returns how many were removed.
	RemoveByConsumer(ctx context.Context, consumerKey string) (int, error)
}

// VerifierMatches compares a presented verifier with the stored one in
// constant time. An empty stored verifier never matches.
func VerifierMatches(stored, presented string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// Package tokentest holds the behavioral tests every token.Store
// implementation must pass.
package tokentest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RequestToken returns an unauthorized request token created now.
func RequestToken(value, consumerKey string) models.Token {
	return models.Token{
		Value:        value,
		Secret:       "secret-" + value,
		ConsumerKey:  consumerKey,
		CallbackURL:  "https://consumer.example.com/cb",
		CreationTime: time.Now().UnixMilli(),
		TimeToLive:   10 * time.Minute,
	}
}

// AuthorizedRequestToken returns a request token already authorized by
// user with the given verifier.
func AuthorizedRequestToken(value, consumerKey, user, verifier string) models.Token {
	t := RequestToken(value, consumerKey)
	t.AuthorizedUser = user
	t.Verifier = verifier
	return t
}

// AccessToken returns an access token for user created now.
func AccessToken(value, consumerKey, user string) models.Token {
	return models.Token{
		Value:          value,
		Secret:         "secret-" + value,
		ConsumerKey:    consumerKey,
		AccessToken:    true,
		CreationTime:   time.Now().UnixMilli(),
		TimeToLive:     24 * time.Hour,
		AuthorizedUser: user,
	}
}

// Run exercises newStore against the token.Store contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) token.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		got, err := newStore(t).Get(context.Background(), "absent")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		tok := RequestToken("rt-1", "ci")
		tok.Verifier = "ABCDEFGHIJ0123456789"
		tok.AuthorizedUser = "alice"

		require.NoError(t, s.Put(ctx, tok))

		got, err := s.Get(ctx, "rt-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, tok, *got)
	})

	t.Run("PutReplaces", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		tok := RequestToken("rt-1", "ci")
		require.NoError(t, s.Put(ctx, tok))

		tok.CallbackURL = "https://other.example.com/cb"
		require.NoError(t, s.Put(ctx, tok))

		got, err := s.Get(ctx, "rt-1")
		require.NoError(t, err)
		assert.Equal(t, "https://other.example.com/cb", got.CallbackURL)
	})

	t.Run("Remove", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, RequestToken("rt-1", "ci")))

		removed, err := s.Remove(ctx, "rt-1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Remove(ctx, "rt-1")
		require.NoError(t, err)
		assert.False(t, removed)

		got, err := s.Get(ctx, "rt-1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ReplaceRequestToken", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		tok := RequestToken("rt-1", "ci")
		ok, err := s.ReplaceRequestToken(ctx, tok)
		require.NoError(t, err)
		assert.False(t, ok, "nothing stored yet")

		require.NoError(t, s.Put(ctx, tok))
		tok.Verifier = "v"
		tok.AuthorizedUser = "alice"
		ok, err = s.ReplaceRequestToken(ctx, tok)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(ctx, "rt-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.AuthorizedUser)
		assert.Equal(t, "v", got.Verifier)
	})

	t.Run("ReplaceRequestTokenIgnoresAccessToken", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		at := AccessToken("at-1", "ci", "alice")
		require.NoError(t, s.Put(ctx, at))

		ok, err := s.ReplaceRequestToken(ctx, RequestToken("at-1", "ci"))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "at-1")
		require.NoError(t, err)
		assert.True(t, got.AccessToken)
	})

	t.Run("TakeRequestToken", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		tok := AuthorizedRequestToken("rt-1", "ci", "alice", "verifier-1")
		require.NoError(t, s.Put(ctx, tok))

		got, err := s.TakeRequestToken(ctx, "rt-1", "verifier-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, tok, *got)

		again, err := s.TakeRequestToken(ctx, "rt-1", "verifier-1")
		require.NoError(t, err)
		assert.Nil(t, again)

		stored, err := s.Get(ctx, "rt-1")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("TakeRequestTokenLeavesAccessToken", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, AccessToken("at-1", "ci", "alice")))

		got, err := s.TakeRequestToken(ctx, "at-1", "")
		require.NoError(t, err)
		assert.Nil(t, got)

		stored, err := s.Get(ctx, "at-1")
		require.NoError(t, err)
		assert.NotNil(t, stored)
	})

	t.Run("TakeRequestTokenVerifierMismatch", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, AuthorizedRequestToken("rt-1", "ci", "alice", "verifier-old")))

		reauthorized := AuthorizedRequestToken("rt-1", "ci", "bob", "verifier-new")
		replaced, err := s.ReplaceRequestToken(ctx, reauthorized)
		require.NoError(t, err)
		require.True(t, replaced)

		got, err := s.TakeRequestToken(ctx, "rt-1", "verifier-old")
		assert.ErrorIs(t, err, apperrors.ErrVerifierMismatch)
		assert.Nil(t, got)

		stored, err := s.Get(ctx, "rt-1")
		require.NoError(t, err)
		require.NotNil(t, stored, "a mismatched take leaves the token in place")
		assert.Equal(t, "bob", stored.AuthorizedUser)

		got, err = s.TakeRequestToken(ctx, "rt-1", "verifier-new")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "bob", got.AuthorizedUser)
	})

	t.Run("TakeRequestTokenUnauthorized", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, RequestToken("rt-1", "ci")))

		got, err := s.TakeRequestToken(ctx, "rt-1", "")
		assert.ErrorIs(t, err, apperrors.ErrVerifierMismatch)
		assert.Nil(t, got)
	})

	t.Run("TakeRequestTokenConcurrentAtMostOnce", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, AuthorizedRequestToken("rt-race", "ci", "alice", "verifier-race")))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := s.TakeRequestToken(ctx, "rt-race", "verifier-race")
				if err == nil && got != nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("AccessTokensForUser", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		older := AccessToken("at-1", "ci", "alice")
		older.CreationTime -= 1000
		require.NoError(t, s.Put(ctx, older))
		require.NoError(t, s.Put(ctx, AccessToken("at-2", "jira", "alice")))
		require.NoError(t, s.Put(ctx, AccessToken("at-3", "ci", "bob")))

		rt := RequestToken("rt-1", "ci")
		rt.AuthorizedUser = "alice"
		rt.Verifier = "v"
		require.NoError(t, s.Put(ctx, rt))

		got, err := s.AccessTokensForUser(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "at-1", got[0].Value)
		assert.Equal(t, "at-2", got[1].Value)

		removed, err := s.Remove(ctx, "at-1")
		require.NoError(t, err)
		require.True(t, removed)

		got, err = s.AccessTokensForUser(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "at-2", got[0].Value)

		none, err := s.AccessTokensForUser(ctx, "carol")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("RemoveExpired", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		stale := RequestToken("rt-stale", "ci")
		stale.CreationTime = time.Now().Add(-time.Hour).UnixMilli()
		require.NoError(t, s.Put(ctx, stale))
		require.NoError(t, s.Put(ctx, RequestToken("rt-fresh", "ci")))
		require.NoError(t, s.Put(ctx, AccessToken("at-1", "ci", "alice")))

		n, err := s.RemoveExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.Get(ctx, "rt-stale")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.Get(ctx, "rt-fresh")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("RemoveByConsumer", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, RequestToken("rt-1", "ci")))
		require.NoError(t, s.Put(ctx, AccessToken("at-1", "ci", "alice")))
		require.NoError(t, s.Put(ctx, AccessToken("at-2", "jira", "alice")))

		n, err := s.RemoveByConsumer(ctx, "ci")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.AccessTokensForUser(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "jira", got[0].ConsumerKey)

		n, err = s.RemoveByConsumer(ctx, "ci")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

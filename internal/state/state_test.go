package state

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/token"
	"github.com/alexjbarnes/oauth1-provider/internal/token/tokentest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawValue(t *testing.T, s *State, bucket []byte, key string) string {
	t.Helper()
	var out string
	require.NoError(t, s.db.View(func(tx *bolt.Tx) error {
		out = string(tx.Bucket(bucket).Get([]byte(key)))
		return nil
	}))
	return out
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Tokens().Put(ctx, tokentest.RequestToken("rt-1", "ci")))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Tokens().Get(ctx, "rt-1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// --- Unlock ---

func TestUnlock_SealsSecrets(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	require.NoError(t, s.Unlock("hunter2"))

	tok := tokentest.RequestToken("rt-1", "ci")
	tok.Verifier = "VERIFIER0123456789ab"
	require.NoError(t, s.Tokens().Put(ctx, tok))

	raw := rawValue(t, s, tokensBucket, "rt-1")
	assert.NotContains(t, raw, tok.Secret)
	assert.NotContains(t, raw, tok.Verifier)

	got, err := s.Tokens().Get(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, tok, *got)
}

func TestUnlock_WrongPassphraseRejected(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Unlock("right"))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.ErrorIs(t, s2.Unlock("wrong"), ErrPassphrase)
	assert.ErrorIs(t, s2.Unlock(""), ErrPassphrase)
	assert.NoError(t, s2.Unlock("right"))
}

func TestUnlock_EmptyPassphraseOnFreshDB(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	require.NoError(t, s.Unlock(""))

	tok := tokentest.RequestToken("rt-1", "ci")
	require.NoError(t, s.Tokens().Put(ctx, tok))
	assert.Contains(t, rawValue(t, s, tokensBucket, "rt-1"), tok.Secret)
}

// --- TokenStore ---

func TestTokenStore(t *testing.T) {
	tokentest.Run(t, func(t *testing.T) token.Store {
		return testDB(t).Tokens()
	})
}

func TestTokenStore_Sealed(t *testing.T) {
	tokentest.Run(t, func(t *testing.T) token.Store {
		s := testDB(t)
		require.NoError(t, s.Unlock("passphrase"))
		return s.Tokens()
	})
}

func TestTokenStore_ClosedDatabaseIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	tokens := s.Tokens()
	require.NoError(t, s.Close())

	_, err := tokens.Get(ctx, "rt-1")
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

	err = tokens.Put(ctx, tokentest.RequestToken("rt-1", "ci"))
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

	_, err = tokens.TakeRequestToken(ctx, "rt-1", "v")
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

	_, err = tokens.RemoveExpired(ctx, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

// --- ConsumerStore ---

func TestConsumerStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	require.NoError(t, s.Unlock("passphrase"))
	cs := s.Consumers()

	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	rsaC, err := models.NewConsumer("jira", "Jira", models.RSASHA1,
		models.WithPublicKey(&k.PublicKey),
		models.WithDescription("issue tracker"),
		models.WithDefaultCallback("https://jira.example.com/cb"),
	)
	require.NoError(t, err)
	require.NoError(t, cs.Add(ctx, rsaC))

	hmacC, err := models.NewConsumer("ci", "CI", models.HMACSHA1, models.WithConsumerSecret("s3cret"))
	require.NoError(t, err)
	require.NoError(t, cs.Add(ctx, hmacC))

	got, err := cs.Get(ctx, "jira")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "issue tracker", got.Description)
	assert.True(t, k.PublicKey.Equal(got.PublicKey))

	got, err = cs.Get(ctx, "ci")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.ConsumerSecret)
	assert.NotContains(t, rawValue(t, s, consumersBucket, "ci"), "s3cret")

	all, err := cs.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ci", all[0].Key)
	assert.Equal(t, "jira", all[1].Key)
}

func TestConsumerStore_GetMissing(t *testing.T) {
	got, err := testDB(t).Consumers().Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConsumerStore_DuplicateAndUpdate(t *testing.T) {
	ctx := context.Background()
	cs := testDB(t).Consumers()

	c, err := models.NewConsumer("ci", "CI", models.HMACSHA1, models.WithConsumerSecret("one"))
	require.NoError(t, err)

	assert.ErrorIs(t, cs.Update(ctx, c), apperrors.ErrNotFound)
	require.NoError(t, cs.Add(ctx, c))
	assert.ErrorIs(t, cs.Add(ctx, c), apperrors.ErrDuplicateKey)

	c.ConsumerSecret = "two"
	require.NoError(t, cs.Update(ctx, c))

	got, err := cs.Get(ctx, "ci")
	require.NoError(t, err)
	assert.Equal(t, "two", got.ConsumerSecret)
}

func TestConsumerStore_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	cs := testDB(t).Consumers()

	c, err := models.NewConsumer("ci", "CI", models.HMACSHA1)
	require.NoError(t, err)
	require.NoError(t, cs.Add(ctx, c))

	require.NoError(t, cs.Delete(ctx, "ci"))
	require.NoError(t, cs.Delete(ctx, "ci"))

	got, err := cs.Get(ctx, "ci")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConsumerStore_RejectsInvalid(t *testing.T) {
	err := testDB(t).Consumers().Add(context.Background(), models.Consumer{Key: "x", SignatureMethod: models.RSASHA1})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConsumer)
}

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// setCLIEnv points the CLI at a fresh bbolt state file with security
// off, so no AUTH_USERS are needed, and returns the file path.
func setCLIEnv(t *testing.T) string {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT", "SERVER_URL", "AUTH_USERS", "STORE_PASSPHRASE",
		"CONSUMERS_FILE", "REDIS_ADDR", "LOG_LEVEL", "OAUTH_REALM",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	path := filepath.Join(t.TempDir(), "state.db")
	t.Setenv("STATE_PATH", path)
	t.Setenv("STORE_BACKEND", "bolt")
	t.Setenv("SECURITY_ENABLED", "false")

	return path
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func TestHashPassword(t *testing.T) {
	out, err := run(t, "hunter2\n", "hash-password")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}

func TestHashPassword_NoInput(t *testing.T) {
	_, err := run(t, "", "hash-password")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, "oauth1-provider version dev\n", out)
}

func TestConsumerLifecycle(t *testing.T) {
	setCLIEnv(t)

	out, err := run(t, "", "consumer", "add", "ci", "--name", "CI server", "--callback", "https://ci.example.com/cb")
	require.NoError(t, err)
	assert.Contains(t, out, `registered consumer "ci" (HMAC-SHA1)`)
	assert.Contains(t, out, "consumer secret: ")

	_, err = run(t, "", "consumer", "add", "ci")
	require.ErrorIs(t, err, apperrors.ErrDuplicateKey)

	out, err = run(t, "", "consumer", "add", "plain", "--secret", "fixed-secret")
	require.NoError(t, err)
	assert.NotContains(t, out, "consumer secret")

	out, err = run(t, "", "consumer", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "KEY")
	assert.Contains(t, lines[1], "ci")
	assert.Contains(t, lines[1], "https://ci.example.com/cb")
	assert.Contains(t, lines[2], "plain")

	out, err = run(t, "", "consumer", "remove", "ci")
	require.NoError(t, err)
	assert.Contains(t, out, `removed consumer "ci" and 0 token(s)`)

	out, err = run(t, "", "consumer", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "CI server")
}

func TestConsumerAdd_RSA(t *testing.T) {
	setCLIEnv(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pem, err := models.EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)

	keyFile := filepath.Join(t.TempDir(), "jira.pem")
	require.NoError(t, os.WriteFile(keyFile, []byte(pem), 0o600))

	_, err = run(t, "", "consumer", "add", "jira", "--signature-method", "RSA_SHA1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--public-key-file")

	out, err := run(t, "", "consumer", "add", "jira", "--signature-method", "RSA_SHA1", "--public-key-file", keyFile)
	require.NoError(t, err)
	assert.Contains(t, out, "RSA-SHA1")
	assert.NotContains(t, out, "consumer secret")
}

func TestConsumerAdd_BadMethod(t *testing.T) {
	setCLIEnv(t)

	_, err := run(t, "", "consumer", "add", "x", "--signature-method", "PLAINTEXT")
	require.ErrorIs(t, err, apperrors.ErrInvalidConsumer)
}

func TestConsumerImport(t *testing.T) {
	setCLIEnv(t)

	file := filepath.Join(t.TempDir(), "consumers.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`consumers:
  - key: ci
    name: CI server
    signature_method: HMAC-SHA1
    consumer_secret: s3cret
  - key: wiki
    name: Wiki
    signature_method: HMAC_SHA1
    consumer_secret: other
`), 0o600))

	out, err := run(t, "", "consumer", "import", file)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 consumer(s)")

	// Importing again updates in place.
	_, err = run(t, "", "consumer", "import", file)
	require.NoError(t, err)

	out, err = run(t, "", "consumer", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "wiki")
}

func TestMemoryBackendRejected(t *testing.T) {
	setCLIEnv(t)
	t.Setenv("STORE_BACKEND", "memory")

	_, err := run(t, "", "consumer", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

// seedTokens writes tokens straight into the state file.
func seedTokens(t *testing.T, path string, tokens ...models.Token) {
	t.Helper()

	st, err := state.LoadAt(path)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Unlock(""))

	for _, tok := range tokens {
		require.NoError(t, st.Tokens().Put(context.Background(), tok))
	}
}

func TestTokenCommands(t *testing.T) {
	path := setCLIEnv(t)
	now := time.Now()

	seedTokens(t, path,
		models.Token{
			Value: "live-token", Secret: "s1", ConsumerKey: "ci", AccessToken: true,
			CreationTime: now.UnixMilli(), TimeToLive: time.Hour, AuthorizedUser: "alice",
		},
		models.Token{
			Value: "old-token", Secret: "s2", ConsumerKey: "ci", AccessToken: true,
			CreationTime: now.Add(-2 * time.Hour).UnixMilli(), TimeToLive: time.Hour, AuthorizedUser: "alice",
		},
		models.Token{
			Value: "pending", Secret: "s3", ConsumerKey: "ci",
			CreationTime: now.UnixMilli(), TimeToLive: time.Hour,
		},
	)

	_, err := run(t, "", "token", "list")
	require.Error(t, err, "--user is required")

	out, err := run(t, "", "token", "list", "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "live-token")
	assert.Contains(t, out, "old-token")
	assert.NotContains(t, out, "pending")

	out, err = run(t, "", "token", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 expired token(s)")

	_, err = run(t, "", "token", "revoke", "pending")
	require.ErrorIs(t, err, apperrors.ErrWrongTokenType)

	out, err = run(t, "", "token", "revoke", "live-token")
	require.NoError(t, err)
	assert.Contains(t, out, "token revoked")

	_, err = run(t, "", "token", "revoke", "live-token")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	out, err = run(t, "", "token", "list", "--user", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"), "header only")
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/auth/mocks"
	"github.com/alexjbarnes/oauth1-provider/internal/consumer"
	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/identity"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
	"github.com/alexjbarnes/oauth1-provider/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"
)

const (
	testRealm    = "provider.test"
	testBase     = "http://provider.test"
	testResource = testBase + "/api/resource"
	testSecret   = "kd94hf93k423kf44"
)

var testNow = time.Unix(1_700_000_000, 0)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConsumer(t *testing.T) models.Consumer {
	t.Helper()
	c, err := models.NewConsumer("ci", "CI server", models.HMACSHA1,
		models.WithConsumerSecret(testSecret),
		models.WithDescription("Builds things"),
	)
	require.NoError(t, err)
	return c
}

func testRegistry(t *testing.T) *consumer.MemoryRegistry {
	t.Helper()
	r := consumer.NewMemoryRegistry()
	require.NoError(t, r.Add(context.Background(), testConsumer(t)))
	return r
}

// testUsers returns a directory holding alice with password123.
func testUsers(t *testing.T) *identity.Users {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	u, err := identity.NewUsers(map[string]string{"alice": string(hash)})
	require.NoError(t, err)
	return u
}

func accessToken(value, consumerKey, user string) models.Token {
	return models.Token{
		Value:          value,
		Secret:         "token-secret-" + value,
		ConsumerKey:    consumerKey,
		AccessToken:    true,
		CreationTime:   testNow.Add(-time.Minute).UnixMilli(),
		TimeToLive:     time.Hour,
		AuthorizedUser: user,
	}
}

// signed returns a request to target carrying an OAuth header signed
// with creds at testNow.
func signed(t *testing.T, method, target string, creds oauth1.Credentials, extra map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	require.NoError(t, creds.Sign(r, "", nil, oauth1.SignOptions{Timestamp: testNow, Extra: extra}))
	return r
}

type authFixture struct {
	auth      *Authenticator
	validator *mocks.MockSignatureValidator
	directory *mocks.MockDirectory
	security  *mocks.MockSecurityChecker
	tokens    *token.MemoryStore
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	f := &authFixture{
		validator: mocks.NewMockSignatureValidator(ctrl),
		directory: mocks.NewMockDirectory(ctrl),
		security:  mocks.NewMockSecurityChecker(ctrl),
		tokens:    token.NewMemoryStore(),
	}
	f.security.EXPECT().Enabled().Return(true).AnyTimes()

	f.auth = NewAuthenticator(AuthenticatorConfig{
		Security:  f.security,
		Tokens:    f.tokens,
		Consumers: testRegistry(t),
		Validator: f.validator,
		Directory: f.directory,
		Endpoints: NewEndpoints("/oauth/1.0"),
		Now:       func() time.Time { return testNow },
		Logger:    testLogger(),
	})
	return f
}

func (f *authFixture) put(t *testing.T, tok models.Token) {
	t.Helper()
	require.NoError(t, f.tokens.Put(context.Background(), tok))
}

func creds(tok models.Token) oauth1.Credentials {
	return oauth1.Credentials{
		ConsumerKey:    "ci",
		ConsumerSecret: testSecret,
		Token:          tok.Value,
		TokenSecret:    tok.Secret,
	}
}

func requireProblem(t *testing.T, err error, code string) *FailedError {
	t.Helper()
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, code, oauth1.ProblemCode(err))
	return failed
}

// --- Endpoints ---

func TestNewEndpoints(t *testing.T) {
	e := NewEndpoints("/oauth/1.0/")
	assert.Equal(t, "/oauth/1.0/request-token", e.RequestToken)
	assert.Equal(t, "/oauth/1.0/authorize", e.Authorize)
	assert.Equal(t, "/oauth/1.0/access-token", e.AccessToken)

	root := NewEndpoints("")
	assert.Equal(t, "/request-token", root.RequestToken)
	assert.Equal(t, "/access-token", root.AccessToken)
}

func TestIsAccessAttempt(t *testing.T) {
	e := NewEndpoints("/oauth/1.0")

	full := func(tok string) *oauth1.Message {
		return &oauth1.Message{Params: []oauth1.Param{
			{Key: oauth1.ParamConsumerKey, Value: "ci"},
			{Key: oauth1.ParamToken, Value: tok},
			{Key: oauth1.ParamSignatureMethod, Value: oauth1.MethodHMACSHA1},
			{Key: oauth1.ParamSignature, Value: "sig"},
			{Key: oauth1.ParamTimestamp, Value: "1"},
			{Key: oauth1.ParamNonce, Value: "n"},
		}}
	}

	tests := []struct {
		name string
		msg  *oauth1.Message
		path string
		want bool
	}{
		{"three legged resource", full("tok"), "/api/resource", true},
		{"three legged access-token endpoint", full("tok"), "/oauth/1.0/access-token", false},
		{"three legged request-token endpoint", full("tok"), "/oauth/1.0/request-token", true},
		{"two legged resource", full(""), "/api/resource", true},
		{"two legged request-token endpoint", full(""), "/oauth/1.0/request-token", false},
		{"missing token param", &oauth1.Message{Params: full("tok").Params[2:]}, "/api/resource", false},
		{"no params", &oauth1.Message{}, "/api/resource", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.IsAccessAttempt(tt.msg, tt.path))
		})
	}
}

func TestLogicalURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://internal:8080/api/a%20b?x=1", nil)
	assert.Equal(t, "", LogicalURL("", r))
	assert.Equal(t, "https://provider.example.com/api/a%20b", LogicalURL("https://provider.example.com/", r))
}

// --- Authenticator ---

func TestAuthenticate_SecurityDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	security := mocks.NewMockSecurityChecker(ctrl)
	security.EXPECT().Enabled().Return(false)

	// Validator and directory must not be touched.
	a := NewAuthenticator(AuthenticatorConfig{
		Security:  security,
		Validator: mocks.NewMockSignatureValidator(ctrl),
		Directory: mocks.NewMockDirectory(ctrl),
	})

	tok := accessToken("tok", "ci", "alice")
	id, err := a.Authenticate(signed(t, http.MethodGet, testResource, creds(tok), nil))
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestAuthenticate_NotOAuth(t *testing.T) {
	f := newAuthFixture(t)

	r := httptest.NewRequest(http.MethodGet, testResource, nil)
	r.Header.Set("Authorization", "Bearer abc")

	id, err := f.auth.Authenticate(r)
	require.NoError(t, err)
	assert.Nil(t, id)

	id, err = f.auth.Authenticate(httptest.NewRequest(http.MethodGet, testResource, nil))
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestAuthenticate_MalformedHeader(t *testing.T) {
	f := newAuthFixture(t)

	r := httptest.NewRequest(http.MethodGet, testResource, nil)
	r.Header.Set("Authorization", `OAuth oauth_consumer_key`)

	id, err := f.auth.Authenticate(r)
	assert.Nil(t, id)

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, oauth1.ErrMalformedHeader)
}

func TestAuthenticate_TokenEndpointIsNotAnAccessAttempt(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "alice")
	r := signed(t, http.MethodPost, testBase+"/oauth/1.0/access-token", creds(tok), nil)

	id, err := f.auth.Authenticate(r)
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestAuthenticate_TwoLeggedRejected(t *testing.T) {
	f := newAuthFixture(t)

	c := oauth1.Credentials{ConsumerKey: "ci", ConsumerSecret: testSecret}
	r := signed(t, http.MethodGet, testResource, c, map[string]string{oauth1.ParamToken: ""})

	id, err := f.auth.Authenticate(r)
	assert.Nil(t, id)
	requireProblem(t, err, oauth1.ProblemTokenRejected)
}

func TestAuthenticate_TokenChecks(t *testing.T) {
	expired := accessToken("expired", "ci", "alice")
	expired.CreationTime = testNow.Add(-2 * time.Hour).UnixMilli()

	request := accessToken("request", "ci", "alice")
	request.AccessToken = false

	tests := []struct {
		name   string
		stored *models.Token
		sent   models.Token
		want   string
	}{
		{"unknown token", nil, accessToken("missing", "ci", "alice"), oauth1.ProblemTokenRejected},
		{"request token", &request, request, oauth1.ProblemTokenRejected},
		{"no user", ptr(accessToken("nouser", "ci", "")), accessToken("nouser", "ci", ""), "No user associated with the token"},
		{"consumer mismatch", ptr(accessToken("other", "someone-else", "alice")), accessToken("other", "someone-else", "alice"), oauth1.ProblemTokenRejected},
		{"expired", &expired, expired, oauth1.ProblemTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t)
			if tt.stored != nil {
				f.put(t, *tt.stored)
			}

			// The request is always signed as "ci".
			c := creds(tt.sent)
			id, err := f.auth.Authenticate(signed(t, http.MethodGet, testResource, c, nil))
			assert.Nil(t, id)

			failed := requireProblem(t, err, tt.want)
			assert.Equal(t, tt.sent.Value, failed.Token)
		})
	}
}

func TestAuthenticate_ExpiredBeforeSignature(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "alice")
	tok.CreationTime = testNow.Add(-2 * time.Hour).UnixMilli()
	f.put(t, tok)

	// No Validate expectation: an expired token must be rejected without
	// checking the signature.
	_, err := f.auth.Authenticate(signed(t, http.MethodGet, testResource, creds(tok), nil))
	requireProblem(t, err, oauth1.ProblemTokenExpired)
}

func TestAuthenticate_UnknownConsumer(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "gone", "alice")
	f.put(t, tok)

	c := creds(tok)
	c.ConsumerKey = "gone"

	_, err := f.auth.Authenticate(signed(t, http.MethodGet, testResource, c, nil))
	requireProblem(t, err, oauth1.ProblemConsumerKeyUnknown)
}

func TestAuthenticate_SignatureRejected(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "alice")
	f.put(t, tok)

	f.validator.EXPECT().
		Validate(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(oauth1.NewProblem(oauth1.ProblemSignatureInvalid))

	_, err := f.auth.Authenticate(signed(t, http.MethodGet, testResource, creds(tok), nil))
	requireProblem(t, err, oauth1.ProblemSignatureInvalid)
}

func TestAuthenticate_NoSuchUser(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "bob")
	f.put(t, tok)

	f.validator.EXPECT().Validate(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	f.directory.EXPECT().Lookup(gomock.Any(), "bob").
		Return(nil, fmt.Errorf("%w: %q", apperrors.ErrNoSuchUser, "bob"))

	_, err := f.auth.Authenticate(signed(t, http.MethodGet, testResource, creds(tok), nil))

	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, apperrors.ErrNoSuchUser)
	assert.Equal(t, "bob", failed.User)
	assert.Empty(t, oauth1.ProblemCode(err))
}

func TestAuthenticate_DirectoryError(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "alice")
	f.put(t, tok)

	f.validator.EXPECT().Validate(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	f.directory.EXPECT().Lookup(gomock.Any(), "alice").Return(nil, errors.New("ldap down"))

	_, err := f.auth.Authenticate(signed(t, http.MethodGet, testResource, creds(tok), nil))
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrNoSuchUser)
	assert.Contains(t, err.Error(), "ldap down")
}

func TestAuthenticate_Success(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "alice")
	f.put(t, tok)

	f.validator.EXPECT().
		Validate(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg *oauth1.Message, a oauth1.Accessor) error {
			assert.Equal(t, "ci", a.Consumer.Key)
			assert.Equal(t, tok.Secret, a.TokenSecret)
			assert.Equal(t, "tok", msg.Token())
			return nil
		})
	f.directory.EXPECT().Lookup(gomock.Any(), "alice").
		Return(&models.Identity{Name: "alice", DisplayName: "Alice"}, nil)

	id, err := f.auth.Authenticate(signed(t, http.MethodGet, testResource, creds(tok), nil))
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, "alice", id.Name)

	// Authentication never mutates the token.
	got, err := f.tokens.Get(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, tok, *got)
}

func TestAuthenticate_RealValidator(t *testing.T) {
	tokens := token.NewMemoryStore()
	tok := accessToken("tok", "ci", "alice")
	require.NoError(t, tokens.Put(context.Background(), tok))

	a := NewAuthenticator(AuthenticatorConfig{
		Security:  identity.Static(true),
		Tokens:    tokens,
		Consumers: testRegistry(t),
		Validator: oauth1.NewValidator(oauth1.WithClock(func() time.Time { return testNow })),
		Directory: testUsers(t),
		Endpoints: NewEndpoints("/oauth/1.0"),
		Now:       func() time.Time { return testNow },
	})

	r := signed(t, http.MethodGet, testResource+"?page=2", creds(tok), nil)
	id, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Name)

	// Replaying the same signed request reuses the nonce.
	_, err = a.Authenticate(r)
	requireProblem(t, err, oauth1.ProblemNonceUsed)

	// A wrong token secret breaks the signature.
	bad := creds(tok)
	bad.TokenSecret = "wrong"
	_, err = a.Authenticate(signed(t, http.MethodGet, testResource, bad, nil))
	requireProblem(t, err, oauth1.ProblemSignatureInvalid)
}

func TestAuthenticate_ServerURLOverridesHost(t *testing.T) {
	tokens := token.NewMemoryStore()
	tok := accessToken("tok", "ci", "alice")
	require.NoError(t, tokens.Put(context.Background(), tok))

	a := NewAuthenticator(AuthenticatorConfig{
		Security:  identity.Static(true),
		Tokens:    tokens,
		Consumers: testRegistry(t),
		Validator: oauth1.NewValidator(oauth1.WithClock(func() time.Time { return testNow })),
		Directory: testUsers(t),
		Endpoints: NewEndpoints("/oauth/1.0"),
		ServerURL: "https://provider.example.com",
		Now:       func() time.Time { return testNow },
	})

	// Signed against the public URL, received on an internal address.
	r := httptest.NewRequest(http.MethodGet, "http://10.0.0.5:8080/api/resource", nil)
	require.NoError(t, creds(tok).Sign(r, "https://provider.example.com/api/resource", nil,
		oauth1.SignOptions{Timestamp: testNow}))

	id, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Name)
}

func ptr[T any](v T) *T { return &v }

// --- Middleware ---

func serveMiddleware(t *testing.T, a *Authenticator, r *http.Request) (*httptest.ResponseRecorder, *models.Identity, string, bool) {
	t.Helper()

	var (
		gotUser *models.Identity
		gotIP   string
		called  bool
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotUser = RequestUser(r.Context())
		gotIP = RequestRemoteIP(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	Middleware(a, testRealm, testLogger())(next).ServeHTTP(rec, r)

	return rec, gotUser, gotIP, called
}

func TestMiddleware_Anonymous(t *testing.T) {
	f := newAuthFixture(t)

	rec, user, ip, called := serveMiddleware(t, f.auth, httptest.NewRequest(http.MethodGet, testResource, nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, user)
	assert.Equal(t, "192.0.2.1", ip)
}

func TestMiddleware_Authenticated(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "alice")
	f.put(t, tok)
	f.validator.EXPECT().Validate(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	f.directory.EXPECT().Lookup(gomock.Any(), "alice").Return(&models.Identity{Name: "alice"}, nil)

	rec, user, _, called := serveMiddleware(t, f.auth, signed(t, http.MethodGet, testResource, creds(tok), nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, user)
	assert.Equal(t, "alice", user.Name)
}

func TestMiddleware_ProblemIs401(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("missing", "ci", "alice")
	rec, _, _, called := serveMiddleware(t, f.auth, signed(t, http.MethodGet, testResource, creds(tok), nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `oauth_problem="token_rejected"`)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="provider.test"`)
	assert.Contains(t, rec.Body.String(), "oauth_problem=token_rejected")
}

func TestMiddleware_MalformedIs400(t *testing.T) {
	f := newAuthFixture(t)

	r := httptest.NewRequest(http.MethodGet, testResource, nil)
	r.Header.Set("Authorization", `OAuth oauth_token=unquoted`)

	rec, _, _, called := serveMiddleware(t, f.auth, r)
	assert.False(t, called)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddleware_NoSuchUserIs500(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "bob")
	f.put(t, tok)
	f.validator.EXPECT().Validate(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	f.directory.EXPECT().Lookup(gomock.Any(), "bob").Return(nil, apperrors.ErrNoSuchUser)

	rec, _, _, called := serveMiddleware(t, f.auth, signed(t, http.MethodGet, testResource, creds(tok), nil))
	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestMiddleware_ValidatorFailureIs500(t *testing.T) {
	f := newAuthFixture(t)

	tok := accessToken("tok", "ci", "alice")
	f.put(t, tok)
	f.validator.EXPECT().Validate(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(fmt.Errorf("recording nonce: %w", apperrors.ErrStoreUnavailable))

	rec, _, _, called := serveMiddleware(t, f.auth, signed(t, http.MethodGet, testResource, creds(tok), nil))
	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "[2001:db8::1]:4000"
	assert.Equal(t, "2001:db8::1", remoteIP(r))

	r.RemoteAddr = "not-an-address"
	assert.Equal(t, "not-an-address", remoteIP(r))
}

package e2e_test

import (
	"context"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/alexjbarnes/oauth1-provider/internal/auth"
	"github.com/alexjbarnes/oauth1-provider/internal/identity"
	"github.com/alexjbarnes/oauth1-provider/internal/metrics"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
	"github.com/alexjbarnes/oauth1-provider/internal/provider"
	"github.com/alexjbarnes/oauth1-provider/internal/random"
	"github.com/alexjbarnes/oauth1-provider/internal/server"
	"github.com/alexjbarnes/oauth1-provider/internal/state"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUsername     = "testuser"
	testPassword     = "testpass"
	testConsumerKey  = "e2e-consumer"
	testSecret       = "e2e-consumer-secret-value"
	testPassphrase   = "e2e passphrase"
	callbackURL      = "http://127.0.0.1:19876/callback"
	basePath         = "/oauth/1.0"
	requestTokenPath = basePath + "/request-token"
	authorizePath    = basePath + "/authorize"
	accessTokenPath  = basePath + "/access-token"
)

var csrfField = regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)

// harness holds the full e2e test stack: a real HTTP server backed by
// a sealed bbolt store and the OAuth endpoints.
type harness struct {
	URL     string
	State   *state.State
	Service *provider.Service
	Client  *http.Client
}

// newHarness opens a temp state database, registers the HMAC test
// consumer, wires up the stack via server.NewMux and starts an httptest
// server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Unlock(testPassphrase))

	c, err := models.NewConsumer(testConsumerKey, "E2E client", models.HMACSHA1,
		models.WithConsumerSecret(testSecret))
	require.NoError(t, err)
	require.NoError(t, st.Consumers().Add(context.Background(), c))

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	users, err := identity.NewUsers(map[string]string{testUsername: string(hash)})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	m := metrics.New()
	validator := oauth1.NewValidator()
	endpoints := auth.NewEndpoints(basePath)

	svc := provider.NewService(st.Tokens(), random.New(), provider.Config{Metrics: m}, logger)

	// Use NewUnstartedServer so we can read the listener address before
	// building the mux.
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Handlers: auth.NewHandlers(auth.HandlersConfig{
			Service:   svc,
			Consumers: st.Consumers(),
			Validator: validator,
			Users:     users,
			ServerURL: serverURL,
			Realm:     "e2e",
			Logger:    logger,
			Metrics:   m,
		}),
		Authenticator: auth.NewAuthenticator(auth.AuthenticatorConfig{
			Security:  identity.Static(true),
			Tokens:    st.Tokens(),
			Consumers: st.Consumers(),
			Validator: validator,
			Directory: users,
			Endpoints: endpoints,
			ServerURL: serverURL,
			Logger:    logger,
			Metrics:   m,
		}),
		Endpoints: endpoints,
		Realm:     "e2e",
		Metrics:   m,
		Logger:    logger,
		Resources: http.HandlerFunc(echoUser),
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{
		URL:     serverURL,
		State:   st,
		Service: svc,
		Client:  ts.Client(),
	}
}

// echoUser is the protected resource under /api/: it writes the name of
// the authenticated user, or "anonymous".
func echoUser(w http.ResponseWriter, r *http.Request) {
	name := identity.AnonymousName
	if id := auth.RequestUser(r.Context()); id != nil {
		name = id.Name
	}
	_, _ = io.WriteString(w, name)
}

// addRSAConsumer registers an RSA-SHA1 consumer for key.
func (h *harness) addRSAConsumer(t *testing.T, consumerKey string, key *rsa.PrivateKey) {
	t.Helper()

	c, err := models.NewConsumer(consumerKey, "RSA client", models.RSASHA1, models.WithPublicKey(&key.PublicKey))
	require.NoError(t, err)
	require.NoError(t, h.State.Consumers().Add(context.Background(), c))
}

func consumerCreds() oauth1.Credentials {
	return oauth1.Credentials{ConsumerKey: testConsumerKey, ConsumerSecret: testSecret}
}

// signedDo signs a request to path with creds and sends it.
func (h *harness) signedDo(t *testing.T, method, path string, creds oauth1.Credentials, extra map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, nil)
	require.NoError(t, err)
	require.NoError(t, creds.Sign(req, "", nil, oauth1.SignOptions{Extra: extra}))

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// readForm reads a form-encoded response body and closes it.
func readForm(t *testing.T, resp *http.Response) url.Values {
	t.Helper()
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	v, err := url.ParseQuery(string(b))
	require.NoError(t, err)

	return v
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return string(b)
}

// requestToken runs the first leg with creds and returns the token and
// its secret.
func (h *harness) requestToken(t *testing.T, creds oauth1.Credentials, callback string) (string, string) {
	t.Helper()

	resp := h.signedDo(t, http.MethodPost, requestTokenPath, creds,
		map[string]string{oauth1.ParamCallback: callback})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v := readForm(t, resp)
	require.Equal(t, "true", v.Get(oauth1.ParamCallbackConfirm))

	return v.Get(oauth1.ParamToken), v.Get(oauth1.ParamTokenSecret)
}

// authorize logs in on the authorize page and returns the verifier from
// the callback redirect.
func (h *harness) authorize(t *testing.T, requestToken string) string {
	t.Helper()

	resp := h.doGet(t, h.URL+authorizePath+"?"+url.Values{oauth1.ParamToken: {requestToken}}.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m := csrfField.FindStringSubmatch(readBody(t, resp))
	require.Len(t, m, 2, "CSRF token not found in form")

	form := url.Values{
		"username":        {testUsername},
		"password":        {testPassword},
		"csrf_token":      {m[1]},
		oauth1.ParamToken: {requestToken},
	}

	postResp := h.doPostFormNoRedirect(t, authorizePath, form)
	defer postResp.Body.Close()

	require.Equal(t, http.StatusFound, postResp.StatusCode)

	loc, err := url.Parse(postResp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc.String(), callbackURL))
	require.Equal(t, requestToken, loc.Query().Get(oauth1.ParamToken))

	verifier := loc.Query().Get(oauth1.ParamVerifier)
	require.NotEmpty(t, verifier, "verifier missing from redirect")

	return verifier
}

// threeLegged runs the whole flow for creds and returns credentials
// carrying the access token.
func (h *harness) threeLegged(t *testing.T, creds oauth1.Credentials) oauth1.Credentials {
	t.Helper()

	value, secret := h.requestToken(t, creds, callbackURL)
	verifier := h.authorize(t, value)

	exchange := creds
	exchange.Token = value
	exchange.TokenSecret = secret

	resp := h.signedDo(t, http.MethodPost, accessTokenPath, exchange,
		map[string]string{oauth1.ParamVerifier: verifier})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v := readForm(t, resp)

	access := creds
	access.Token = v.Get(oauth1.ParamToken)
	access.TokenSecret = v.Get(oauth1.ParamTokenSecret)
	require.NotEmpty(t, access.Token)
	require.NotEqual(t, value, access.Token)

	return access
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostFormNoRedirect performs a form POST that does not follow redirects.
func (h *harness) doPostFormNoRedirect(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	noRedirect := *h.Client
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(
		t.Context(), http.MethodPost, h.URL+path,
		strings.NewReader(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := noRedirect.Do(req)
	require.NoError(t, err)

	return resp
}

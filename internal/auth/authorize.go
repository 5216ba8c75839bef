package auth

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/identity"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/oauth1"
)

const pageStyle = `
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent p { margin-bottom: 0.3rem; }
  .consent p:last-child { margin-bottom: 0; }
  .consent .redirect { color: #666; word-break: break-all; }
  .consent code, .verifier code { font-size: 0.8rem; }
  .verifier code { font-size: 1.1rem; letter-spacing: 0.05em; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  input[type="text"], input[type="password"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    outline: none;
    transition: border-color 0.15s;
    margin-bottom: 1rem;
  }
  input[type="text"]:focus, input[type="password"]:focus {
    border-color: #2563eb;
    box-shadow: 0 0 0 2px rgba(37,99,235,0.15);
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
    transition: background 0.15s;
  }
  button:hover { background: #333; }
  button:active { background: #000; }
`

// authorizePage renders the login and consent form for a request token.
// The csrf_token hidden field prevents cross-site form submission.
var authorizePage = template.Must(template.New("authorize").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ConsumerName}}</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Authorize access</h1>
  <p class="sub">Sign in to let this application act on your behalf.</p>
  <div class="consent">
    <p><strong>{{.ConsumerName}}</strong> (<code>{{.ConsumerKey}}</code>) is requesting access.</p>
    {{if .Description}}<p>{{.Description}}</p>{{end}}
    {{if .Callback}}<p class="redirect">You will be redirected to: <code>{{.Callback}}</code></p>{{end}}
  </div>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="oauth_token" value="{{.OAuthToken}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <button type="submit">Sign in and authorize</button>
  </form>
</div>
</body>
</html>`))

// verifierPage shows the verifier to a user whose consumer has no
// callback, for them to copy into the application.
var verifierPage = template.Must(template.New("verifier").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Access granted</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Access granted</h1>
  <p class="sub">Enter this code in <strong>{{.ConsumerName}}</strong> to finish connecting.</p>
  <div class="consent verifier"><p><code>{{.Verifier}}</code></p></div>
</div>
</body>
</html>`))

type authorizeData struct {
	CSRFToken    string
	OAuthToken   string
	ConsumerKey  string
	ConsumerName string
	Description  string
	Callback     string
	Error        string
}

type verifierData struct {
	ConsumerName string
	Verifier     string
}

func setPageHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
}

// Authorize serves the human-facing leg: a login form on GET and the
// authorization on POST.
func (h *Handlers) Authorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.authorizeGET(w, r)
	case http.MethodPost:
		h.authorizePOST(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// pendingToken loads an unexpired request token and its consumer. On
// failure it writes a plain error and returns nil.
func (h *Handlers) pendingToken(ctx context.Context, w http.ResponseWriter, value string) (*models.Token, *models.Consumer) {
	if value == "" {
		http.Error(w, "missing oauth_token", http.StatusBadRequest)
		return nil, nil
	}

	t, err := h.service.Store().Get(ctx, value)
	if err != nil {
		h.logger.Error("loading request token", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, nil
	}
	if t == nil || t.AccessToken {
		http.Error(w, "unknown or already used request token", http.StatusBadRequest)
		return nil, nil
	}
	if t.HasExpired(h.now()) {
		http.Error(w, "request token has expired", http.StatusBadRequest)
		return nil, nil
	}

	c, err := h.consumers.Get(ctx, t.ConsumerKey)
	if err != nil {
		h.logger.Error("loading consumer", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, nil
	}
	if c == nil {
		http.Error(w, "unknown consumer", http.StatusBadRequest)
		return nil, nil
	}

	return t, c
}

func (h *Handlers) consentData(t *models.Token, c *models.Consumer) authorizeData {
	d := authorizeData{
		CSRFToken:    h.csrf.issue(t.Value),
		OAuthToken:   t.Value,
		ConsumerKey:  c.Key,
		ConsumerName: c.Name,
		Description:  c.Description,
	}
	if d.ConsumerName == "" {
		d.ConsumerName = c.Key
	}
	if t.CallbackURL != oauth1.OutOfBand {
		d.Callback = t.CallbackURL
	}
	return d
}

func (h *Handlers) authorizeGET(w http.ResponseWriter, r *http.Request) {
	t, c := h.pendingToken(r.Context(), w, r.URL.Query().Get(oauth1.ParamToken))
	if t == nil {
		return
	}

	setPageHeaders(w)
	_ = authorizePage.Execute(w, h.consentData(t, c))
}

func (h *Handlers) authorizePOST(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	value := r.PostFormValue(oauth1.ParamToken)

	t, c := h.pendingToken(ctx, w, value)
	if t == nil {
		return
	}

	// Check before consuming CSRF so a rate-limited request does not
	// destroy the user's form.
	ip := remoteIP(r)
	if h.limiter.check(ip, value) {
		h.logger.Warn("login rate limited", slog.String("ip", ip), slog.String("token", t.ShortValue()))
		http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

		return
	}

	if !h.csrf.consume(r.PostFormValue("csrf_token"), value) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	username := r.PostFormValue("username")

	id, err := h.users.Authenticate(username, r.PostFormValue("password"))
	if err != nil {
		h.logger.Warn("login failed", slog.String("username", username), slog.String("ip", ip))
		h.limiter.record(ip, value)

		data := h.consentData(t, c)
		data.Error = "Invalid username or password"

		setPageHeaders(w)
		w.WriteHeader(http.StatusUnauthorized)
		_ = authorizePage.Execute(w, data)

		return
	}

	authorized, err := h.service.AuthorizeRequestToken(ctx, value, identity.NewUser(*id))
	switch {
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrWrongTokenType):
		http.Error(w, "request token is no longer valid", http.StatusBadRequest)
		return
	case errors.Is(err, apperrors.ErrAuthenticationRequired):
		http.Error(w, "authentication required", http.StatusForbidden)
		return
	case err != nil:
		h.logger.Error("authorizing request token", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if authorized.CallbackURL == "" || authorized.CallbackURL == oauth1.OutOfBand {
		setPageHeaders(w)
		_ = verifierPage.Execute(w, verifierData{ConsumerName: c.Name, Verifier: authorized.Verifier})
		return
	}

	http.Redirect(w, r, callbackRedirect(authorized.CallbackURL, authorized.Value, authorized.Verifier), http.StatusFound)
}

// callbackRedirect appends oauth_token and oauth_verifier to callback,
// keeping any query it already has.
func callbackRedirect(callback, tokenValue, verifier string) string {
	params := url.Values{}
	params.Set(oauth1.ParamToken, tokenValue)
	params.Set(oauth1.ParamVerifier, verifier)

	sep := "?"
	if strings.Contains(callback, "?") {
		sep = "&"
	}

	return callback + sep + params.Encode()
}

package oauth1

import (
	"crypto/rsa"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/random"
)

// Credentials sign outgoing requests the way a consumer does. The
// provider never signs; this exists for tooling and tests that drive
// the endpoints.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	PrivateKey     *rsa.PrivateKey // RSA-SHA1 when set, HMAC-SHA1 otherwise
	Token          string
	TokenSecret    string
}

// SignOptions carries the per-request protocol values. Zero values get
// a fresh timestamp and nonce.
type SignOptions struct {
	Method    string // signature method override, e.g. PLAINTEXT
	Timestamp time.Time
	Nonce     string
	Extra     map[string]string // extra oauth_* params (callback, verifier)
}

// Sign computes the oauth_* parameters for r, including oauth_signature,
// and sets them as an Authorization header. logicalURL is the URL the
// provider will see; when empty r.URL is used. Query parameters and a
// form-encoded body already attached to r are covered by the signature
// when body holds them.
func (c Credentials) Sign(r *http.Request, logicalURL string, body url.Values, opts SignOptions) error {
	if logicalURL == "" {
		logicalURL = r.URL.Scheme + "://" + r.URL.Host + r.URL.EscapedPath()
	}

	base, err := NormalizeURL(logicalURL)
	if err != nil {
		return err
	}

	method := opts.Method
	if method == "" {
		method = MethodHMACSHA1
		if c.PrivateKey != nil {
			method = MethodRSASHA1
		}
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	nonce := opts.Nonce
	if nonce == "" {
		nonce = random.New().Hex(16)
	}

	oauth := map[string]string{
		ParamConsumerKey:     c.ConsumerKey,
		ParamSignatureMethod: method,
		ParamTimestamp:       strconv.FormatInt(ts.Unix(), 10),
		ParamNonce:           nonce,
		ParamVersion:         "1.0",
	}
	if c.Token != "" {
		oauth[ParamToken] = c.Token
	}
	for k, v := range opts.Extra {
		oauth[k] = v
	}

	var params []Param
	for k, v := range oauth {
		params = append(params, Param{Key: k, Value: v})
	}
	for k, vs := range r.URL.Query() {
		for _, v := range vs {
			params = append(params, Param{Key: k, Value: v})
		}
	}
	for k, vs := range body {
		for _, v := range vs {
			params = append(params, Param{Key: k, Value: v})
		}
	}

	msg := &Message{Method: strings.ToUpper(r.Method), URL: base, Params: params}

	switch method {
	case MethodHMACSHA1:
		oauth[ParamSignature] = SignHMACSHA1(msg.BaseString(), c.ConsumerSecret, c.TokenSecret)
	case MethodRSASHA1:
		if c.PrivateKey == nil {
			return errors.New("RSA-SHA1 requires a private key")
		}
		sig, err := SignRSASHA1(msg.BaseString(), c.PrivateKey)
		if err != nil {
			return err
		}
		oauth[ParamSignature] = sig
	case MethodPlaintext:
		oauth[ParamSignature] = SignPlaintext(c.ConsumerSecret, c.TokenSecret)
	default:
		return errors.New("unsupported signature method " + method)
	}

	r.Header.Set("Authorization", AuthorizationHeader(oauth))

	return nil
}

// AuthorizationHeader renders params as an OAuth Authorization header
// with keys in sorted order.
func AuthorizationHeader(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, Encode(k)+`="`+Encode(params[k])+`"`)
	}

	return AuthScheme + " " + strings.Join(parts, ", ")
}

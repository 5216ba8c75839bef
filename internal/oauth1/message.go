// Package oauth1 implements the wire-level pieces of OAuth 1.0a (RFC 5849):
// request parsing, the signature base string, signature verification and
// problem reporting.
package oauth1

import (
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Protocol parameter names.
const (
	ParamConsumerKey     = "oauth_consumer_key"
	ParamToken           = "oauth_token"
	ParamTokenSecret     = "oauth_token_secret"
	ParamSignatureMethod = "oauth_signature_method"
	ParamSignature       = "oauth_signature"
	ParamTimestamp       = "oauth_timestamp"
	ParamNonce           = "oauth_nonce"
	ParamVersion         = "oauth_version"
	ParamCallback        = "oauth_callback"
	ParamCallbackConfirm = "oauth_callback_confirmed"
	ParamVerifier        = "oauth_verifier"

	// AuthScheme is the Authorization header scheme.
	AuthScheme = "OAuth"

	// OutOfBand is the callback value meaning "show the verifier to the
	// user instead of redirecting".
	OutOfBand = "oob"
)

// ErrMalformedHeader is returned when an OAuth Authorization header
// cannot be parsed.
var ErrMalformedHeader = errors.New("malformed OAuth authorization header")

// Param is a single name/value pair. Names may repeat.
type Param struct {
	Key   string
	Value string
}

// Message is a parsed OAuth request: its method, the normalized base URI
// and every parameter from the Authorization header, the query string and
// a form-encoded body.
type Message struct {
	Method string
	URL    string
	Params []Param

	// Secure reports whether the request arrived over TLS, as seen by
	// the logical URL.
	Secure bool
}

// HasAuthorizationScheme reports whether the header value uses the OAuth
// scheme (case-insensitive).
func HasAuthorizationScheme(header string) bool {
	return len(header) > len(AuthScheme) &&
		strings.EqualFold(header[:len(AuthScheme)], AuthScheme) &&
		header[len(AuthScheme)] == ' '
}

// ParseAuthorizationHeader decodes `OAuth k="v", k2="v2"`. The realm
// parameter is dropped since it is not signed.
func ParseAuthorizationHeader(header string) ([]Param, error) {
	if !HasAuthorizationScheme(header) {
		return nil, ErrMalformedHeader
	}

	var params []Param

	for _, part := range strings.Split(header[len(AuthScheme)+1:], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, part)
		}

		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
			return nil, fmt.Errorf("%w: unquoted value for %s", ErrMalformedHeader, k)
		}

		key, err := url.PathUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
		}
		val, err := url.PathUnescape(v[1 : len(v)-1])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
		}

		if strings.EqualFold(key, "realm") {
			continue
		}

		params = append(params, Param{Key: key, Value: val})
	}

	return params, nil
}

// ParseRequest builds a Message from r. logicalURL is the externally
// visible URL of the request (scheme, host and path) as the consumer
// signed it; when empty it is derived from r.Host and r.TLS. The body is
// read only when it is application/x-www-form-urlencoded, and stays
// available through r.PostForm.
func ParseRequest(r *http.Request, logicalURL string) (*Message, error) {
	if logicalURL == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		logicalURL = scheme + "://" + r.Host + r.URL.EscapedPath()
	}

	base, err := NormalizeURL(logicalURL)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Method: strings.ToUpper(r.Method),
		URL:    base,
		Secure: strings.HasPrefix(base, "https://"),
	}

	if h := r.Header.Get("Authorization"); HasAuthorizationScheme(h) {
		hp, err := ParseAuthorizationHeader(h)
		if err != nil {
			return nil, err
		}
		msg.Params = append(msg.Params, hp...)
	}

	for k, vs := range r.URL.Query() {
		for _, v := range vs {
			msg.Params = append(msg.Params, Param{Key: k, Value: v})
		}
	}

	if isFormBody(r) {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parsing form body: %w", err)
		}
		for k, vs := range r.PostForm {
			for _, v := range vs {
				msg.Params = append(msg.Params, Param{Key: k, Value: v})
			}
		}
	}

	return msg, nil
}

func isFormBody(r *http.Request) bool {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && ct == "application/x-www-form-urlencoded"
}

// Get returns the first value of the named parameter, or "".
func (m *Message) Get(name string) string {
	for _, p := range m.Params {
		if p.Key == name {
			return p.Value
		}
	}
	return ""
}

// Has reports whether the named parameter is present, even if empty.
func (m *Message) Has(name string) bool {
	for _, p := range m.Params {
		if p.Key == name {
			return true
		}
	}
	return false
}

func (m *Message) ConsumerKey() string     { return m.Get(ParamConsumerKey) }
func (m *Message) Token() string           { return m.Get(ParamToken) }
func (m *Message) SignatureMethod() string { return m.Get(ParamSignatureMethod) }
func (m *Message) Signature() string       { return m.Get(ParamSignature) }
func (m *Message) Timestamp() string       { return m.Get(ParamTimestamp) }
func (m *Message) Nonce() string           { return m.Get(ParamNonce) }
func (m *Message) Verifier() string        { return m.Get(ParamVerifier) }
func (m *Message) Callback() string        { return m.Get(ParamCallback) }

// BaseString returns the signature base string (RFC 5849 section 3.4.1):
// the uppercase method, the encoded base URI and the encoded normalized
// parameters, joined by '&'. oauth_signature is excluded.
func (m *Message) BaseString() string {
	return m.Method + "&" + Encode(m.URL) + "&" + Encode(NormalizeParams(m.Params))
}

// NormalizeParams encodes every pair, sorts by encoded name then encoded
// value, and joins them as name=value&... oauth_signature is skipped.
func NormalizeParams(params []Param) string {
	pairs := make([]Param, 0, len(params))
	for _, p := range params {
		if p.Key == ParamSignature {
			continue
		}
		pairs = append(pairs, Param{Key: Encode(p.Key), Value: Encode(p.Value)})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Key != pairs[j].Key {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value < pairs[j].Value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// NormalizeURL lowercases scheme and host, drops the default port and
// strips query and fragment (RFC 5849 section 3.4.1.2).
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing request URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("request URL %q is not absolute", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path, nil
}

// Encode percent-encodes s per RFC 3986: everything except the
// unreserved set ALPHA / DIGIT / "-" / "." / "_" / "~" is escaped with
// uppercase hex.
func Encode(s string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}

	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

package oauth1

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Problem codes from the OAuth Problem Reporting extension.
const (
	ProblemTokenRejected           = "token_rejected"
	ProblemTokenExpired            = "token_expired"
	ProblemConsumerKeyUnknown      = "consumer_key_unknown"
	ProblemSignatureInvalid        = "signature_invalid"
	ProblemParameterAbsent         = "parameter_absent"
	ProblemParameterRejected       = "parameter_rejected"
	ProblemTimestampRefused        = "timestamp_refused"
	ProblemNonceUsed               = "nonce_used"
	ProblemSignatureMethodRejected = "signature_method_rejected"
	ProblemVersionRejected         = "version_rejected"
	ProblemPermissionUnknown       = "permission_unknown"
	ProblemPermissionDenied        = "permission_denied"
)

// Problem is a protocol-level rejection. Code is one of the Problem
// constants or a free-text description; Params carries extra oauth_*
// fields such as oauth_parameters_absent.
type Problem struct {
	Code   string
	Params map[string]string
}

// NewProblem returns a Problem with the given code.
func NewProblem(code string) *Problem {
	return &Problem{Code: code}
}

// With attaches an extra response parameter and returns p.
func (p *Problem) With(key, value string) *Problem {
	if p.Params == nil {
		p.Params = make(map[string]string)
	}
	p.Params[key] = value
	return p
}

func (p *Problem) Error() string {
	if len(p.Params) == 0 {
		return "oauth problem: " + p.Code
	}
	return fmt.Sprintf("oauth problem: %s (%s)", p.Code, p.paramString(", "))
}

// Is matches another Problem with the same code, so callers can write
// errors.Is(err, oauth1.NewProblem(oauth1.ProblemTokenExpired)).
func (p *Problem) Is(target error) bool {
	var other *Problem
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == p.Code
}

func (p *Problem) keys() []string {
	keys := make([]string, 0, len(p.Params))
	for k := range p.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Problem) paramString(sep string) string {
	keys := p.keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p.Params[k])
	}
	return strings.Join(parts, sep)
}

// ProblemCode returns the code of the Problem in err's chain, or "".
func ProblemCode(err error) string {
	var p *Problem
	if errors.As(err, &p) {
		return p.Code
	}
	return ""
}

// WriteProblem writes a 401 response for p with a WWW-Authenticate
// challenge naming the problem and a form-encoded body:
//
//	WWW-Authenticate: OAuth realm="...", oauth_problem="token_rejected"
//
//	oauth_problem=token_rejected
func WriteProblem(w http.ResponseWriter, realm string, p *Problem) {
	challenge := fmt.Sprintf(`OAuth realm="%s", oauth_problem="%s"`, strings.ReplaceAll(realm, `"`, ""), Encode(p.Code))

	body := url.Values{}
	body.Set("oauth_problem", p.Code)

	for _, k := range p.keys() {
		v := p.Params[k]
		challenge += fmt.Sprintf(`, %s="%s"`, Encode(k), Encode(v))
		body.Set(k, v)
	}

	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(body.Encode()))
}

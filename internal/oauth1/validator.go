package oauth1

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/models"
)

const (
	// DefaultTimestampWindow is how far a request's oauth_timestamp may
	// drift from the server clock in either direction.
	DefaultTimestampWindow = 5 * time.Minute

	// nonceSweepEvery is how many insertions pass between sweeps of the
	// in-memory nonce cache.
	nonceSweepEvery = 1024
)

// requiredParams must be present on every signed request.
var requiredParams = []string{
	ParamConsumerKey,
	ParamSignatureMethod,
	ParamSignature,
	ParamTimestamp,
	ParamNonce,
}

// Accessor is the key material a message is verified against.
type Accessor struct {
	Consumer    *models.Consumer
	TokenSecret string
}

// NonceStore remembers nonces for the timestamp window. Use records key
// and reports whether it was unused; it must be atomic.
type NonceStore interface {
	Use(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryNonces is an in-process NonceStore. Expired entries are swept
// periodically on insert.
type MemoryNonces struct {
	mu      sync.Mutex
	seen    map[string]time.Time // key -> expiry
	inserts int
	now     func() time.Time
}

var _ NonceStore = (*MemoryNonces)(nil)

// NewMemoryNonces returns an empty nonce cache.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{seen: make(map[string]time.Time), now: time.Now}
}

func (n *MemoryNonces) Use(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()

	if exp, ok := n.seen[key]; ok && now.Before(exp) {
		return false, nil
	}

	n.seen[key] = now.Add(ttl)

	n.inserts++
	if n.inserts%nonceSweepEvery == 0 {
		for k, exp := range n.seen {
			if !now.Before(exp) {
				delete(n.seen, k)
			}
		}
	}

	return true, nil
}

// Len returns the number of nonces currently held.
func (n *MemoryNonces) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

// Validator checks a Message's version, required parameters, timestamp,
// signature method, signature and nonce, in that order.
type Validator struct {
	window time.Duration
	nonces NonceStore
	now    func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithTimestampWindow overrides DefaultTimestampWindow.
func WithTimestampWindow(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.window = d }
}

// WithNonceStore replaces the in-memory nonce cache.
func WithNonceStore(s NonceStore) ValidatorOption {
	return func(v *Validator) { v.nonces = s }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator returns a Validator with a ±5 minute window and an
// in-memory nonce cache unless overridden.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		window: DefaultTimestampWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.nonces == nil {
		v.nonces = NewMemoryNonces()
	}
	return v
}

// Validate returns nil if msg is correctly signed with a's key material
// and is fresh. Rejections are *Problem; store failures are returned
// as-is.
func (v *Validator) Validate(ctx context.Context, msg *Message, a Accessor) error {
	if ver := msg.Get(ParamVersion); msg.Has(ParamVersion) && ver != "1.0" {
		return NewProblem(ProblemVersionRejected).With("oauth_acceptable_versions", "1.0-1.0")
	}

	var absent []string
	for _, p := range requiredParams {
		if msg.Get(p) == "" {
			absent = append(absent, p)
		}
	}
	if len(absent) > 0 {
		return NewProblem(ProblemParameterAbsent).With("oauth_parameters_absent", strings.Join(absent, "&"))
	}

	if err := v.checkTimestamp(msg.Timestamp()); err != nil {
		return err
	}

	if a.Consumer == nil {
		return NewProblem(ProblemConsumerKeyUnknown)
	}

	if err := v.checkSignature(msg, a); err != nil {
		return err
	}

	key := strings.Join([]string{msg.ConsumerKey(), msg.Token(), msg.Timestamp(), msg.Nonce()}, "&")
	fresh, err := v.nonces.Use(ctx, key, 2*v.window)
	if err != nil {
		return fmt.Errorf("recording nonce: %w", err)
	}
	if !fresh {
		return NewProblem(ProblemNonceUsed)
	}

	return nil
}

func (v *Validator) checkTimestamp(raw string) error {
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return NewProblem(ProblemParameterRejected).With("oauth_parameters_rejected", ParamTimestamp)
	}

	now := v.now()
	lo := now.Add(-v.window).Unix()
	hi := now.Add(v.window).Unix()

	if ts < lo || ts > hi {
		return NewProblem(ProblemTimestampRefused).
			With("oauth_acceptable_timestamps", fmt.Sprintf("%d-%d", lo, hi))
	}

	return nil
}

func (v *Validator) checkSignature(msg *Message, a Accessor) error {
	c := a.Consumer
	method := msg.SignatureMethod()
	sig := msg.Signature()

	var ok bool

	switch {
	case method == MethodHMACSHA1 && c.SignatureMethod == models.HMACSHA1:
		ok = VerifyHMACSHA1(msg.BaseString(), sig, c.ConsumerSecret, a.TokenSecret)
	case method == MethodRSASHA1 && c.SignatureMethod == models.RSASHA1:
		ok = VerifyRSASHA1(msg.BaseString(), sig, c.PublicKey)
	case method == MethodPlaintext && c.SignatureMethod == models.HMACSHA1 && msg.Secure:
		ok = VerifyPlaintext(sig, c.ConsumerSecret, a.TokenSecret)
	default:
		return NewProblem(ProblemSignatureMethodRejected).
			With("oauth_acceptable_signature_methods", acceptableMethods(c, msg.Secure))
	}

	if !ok {
		return NewProblem(ProblemSignatureInvalid)
	}

	return nil
}

func acceptableMethods(c *models.Consumer, secure bool) string {
	if c.SignatureMethod == models.RSASHA1 {
		return MethodRSASHA1
	}
	if secure {
		return MethodHMACSHA1 + "&" + MethodPlaintext
	}
	return MethodHMACSHA1
}

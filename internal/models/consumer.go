// Package models defines types shared across internal packages.
package models

import (
	"crypto/rsa"
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
)

// SignatureMethod is the scheme a consumer signs its requests with.
type SignatureMethod string

const (
	HMACSHA1 SignatureMethod = "HMAC-SHA1"
	RSASHA1  SignatureMethod = "RSA-SHA1"
)

// ParseSignatureMethod accepts the wire names ("HMAC-SHA1", "RSA-SHA1")
// as well as the underscore spelling used in config files.
func ParseSignatureMethod(s string) (SignatureMethod, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", "-")) {
	case string(HMACSHA1):
		return HMACSHA1, nil
	case string(RSASHA1):
		return RSASHA1, nil
	default:
		return "", fmt.Errorf("%w: unknown signature method %q", apperrors.ErrInvalidConsumer, s)
	}
}

// Consumer is a registered client application allowed to request
// delegated access. Values are never mutated once registered; the
// registry replaces them wholesale on update.
type Consumer struct {
	Key             string
	Name            string
	Description     string
	SignatureMethod SignatureMethod
	PublicKey       *rsa.PublicKey
	ConsumerSecret  string
	DefaultCallback string
}

// ConsumerOption sets an optional Consumer attribute.
type ConsumerOption func(*Consumer)

// WithDescription sets the consumer description.
func WithDescription(d string) ConsumerOption {
	return func(c *Consumer) { c.Description = d }
}

// WithPublicKey sets the RSA key used to verify RSA-SHA1 signatures.
func WithPublicKey(k *rsa.PublicKey) ConsumerOption {
	return func(c *Consumer) { c.PublicKey = k }
}

// WithConsumerSecret sets the shared secret used for HMAC-SHA1.
func WithConsumerSecret(s string) ConsumerOption {
	return func(c *Consumer) { c.ConsumerSecret = s }
}

// WithDefaultCallback sets the callback used when a request token is
// issued without one.
func WithDefaultCallback(u string) ConsumerOption {
	return func(c *Consumer) { c.DefaultCallback = u }
}

// NewConsumer builds and validates a Consumer. RSA-SHA1 consumers
// without a public key are rejected.
func NewConsumer(key, name string, method SignatureMethod, opts ...ConsumerOption) (Consumer, error) {
	c := Consumer{
		Key:             key,
		Name:            name,
		SignatureMethod: method,
	}
	for _, opt := range opts {
		opt(&c)
	}

	if err := c.Validate(); err != nil {
		return Consumer{}, err
	}

	return c, nil
}

// Validate checks the construction invariants of a consumer.
func (c Consumer) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("%w: key is required", apperrors.ErrInvalidConsumer)
	}

	switch c.SignatureMethod {
	case RSASHA1:
		if c.PublicKey == nil {
			return fmt.Errorf("%w: consumer %q uses RSA-SHA1 but has no public key", apperrors.ErrInvalidConsumer, c.Key)
		}
	case HMACSHA1:
	default:
		return fmt.Errorf("%w: consumer %q has unknown signature method %q", apperrors.ErrInvalidConsumer, c.Key, c.SignatureMethod)
	}

	if c.DefaultCallback != "" {
		u, err := url.Parse(c.DefaultCallback)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: consumer %q default callback must be an absolute URI", apperrors.ErrInvalidConsumer, c.Key)
		}
	}

	return nil
}

package errors

import "errors"

// Store errors.
var (
	ErrDuplicateKey     = errors.New("key already exists")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Authorization-leg errors.
var (
	ErrAuthenticationRequired = errors.New("must be authenticated to authorize a token")
	ErrWrongTokenType         = errors.New("wrong token type")
	ErrNotVerified            = errors.New("token is not verified")
	ErrVerifierMismatch       = errors.New("verifier does not match")
)

// Identity and validation errors.
var (
	ErrNoSuchUser      = errors.New("no such user")
	ErrInvalidConsumer = errors.New("invalid consumer")
)

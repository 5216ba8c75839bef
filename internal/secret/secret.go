// Package secret seals token secrets, verifiers and consumer secrets
// before they reach a backing store. The key is derived from an operator
// passphrase with scrypt, then bound to its purpose with HKDF.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// keyLen is the length of both the scrypt master key and the HKDF subkey.
	keyLen = 32

	// SaltLen is the length of a freshly generated store salt.
	SaltLen = 16

	sealedPrefix = "v1:"
	hkdfInfo     = "oauth1-provider store secrets"
)

// ErrNotSealed is returned when Open is handed a value that was not
// produced by Seal.
var ErrNotSealed = errors.New("value is not sealed")

// Sealer encrypts and decrypts individual string fields.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Nop stores values as-is. Used when no passphrase is configured.
type Nop struct{}

func (Nop) Seal(plaintext string) (string, error) { return plaintext, nil }
func (Nop) Open(sealed string) (string, error)    { return sealed, nil }

// AEAD seals values with AES-256-GCM. Output format is
// "v1:" + base64([12-byte nonce][ciphertext+tag]).
type AEAD struct {
	gcm cipher.AEAD
}

// NewSalt returns SaltLen random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives the sealing key for passphrase and salt. The
// passphrase is normalized to NFKC before hashing so that visually
// identical input always yields the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	master, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	sub := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(hkdfInfo)), sub); err != nil {
		return nil, fmt.Errorf("deriving subkey: %w", err)
	}

	return sub, nil
}

// NewAEAD builds an AES-GCM sealer from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &AEAD{gcm: gcm}, nil
}

// FromPassphrase returns Nop for an empty passphrase and an AEAD sealer
// keyed from passphrase and salt otherwise.
func FromPassphrase(passphrase string, salt []byte) (Sealer, error) {
	if passphrase == "" {
		return Nop{}, nil
	}

	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	return NewAEAD(key)
}

// Seal encrypts plaintext. The empty string seals to itself so optional
// fields stay empty on disk.
func (a *AEAD) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, a.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := a.gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (a *AEAD) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrNotSealed
	}

	raw, err := base64.RawStdEncoding.DecodeString(sealed[len(sealedPrefix):])
	if err != nil {
		return "", fmt.Errorf("decoding sealed value: %w", err)
	}

	ns := a.gcm.NonceSize()
	if len(raw) < ns+a.gcm.Overhead() {
		return "", fmt.Errorf("sealed value too short (%d bytes)", len(raw))
	}

	plain, err := a.gcm.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting sealed value: %w", err)
	}

	return string(plain), nil
}

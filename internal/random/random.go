// Package random produces the unguessable strings the provider hands
// out: token values, token secrets and verifiers. All output comes from
// crypto/rand; a Generator holds no state and is safe for concurrent use.
package random

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	// VerifierLength is the number of characters in a verifier.
	VerifierLength = 20

	// TokenSecretBytes is the number of random bytes behind a token
	// secret (base64-encoded to 108 characters).
	TokenSecretBytes = 80
)

// VerifierAlphabet is the set of characters a verifier is drawn from.
// It avoids punctuation so verifiers survive URLs and copy/paste.
const VerifierAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Generator draws random values from an entropy source.
type Generator struct {
	src io.Reader
}

// New returns a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{src: rand.Reader}
}

// NewWithReader returns a Generator reading entropy from src. Only tests
// should pass anything other than crypto/rand.Reader.
func NewWithReader(src io.Reader) *Generator {
	return &Generator{src: src}
}

// Verifier returns a fresh VerifierLength string over VerifierAlphabet.
// Bytes that would bias the distribution are rejected and redrawn.
func (g *Generator) Verifier() string {
	const n = len(VerifierAlphabet)
	// Largest multiple of n that fits in a byte; values at or above it
	// are discarded.
	limit := 256 - (256 % n)

	out := make([]byte, 0, VerifierLength)
	buf := make([]byte, VerifierLength*2)

	for len(out) < VerifierLength {
		g.read(buf)
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, VerifierAlphabet[int(b)%n])
			if len(out) == VerifierLength {
				break
			}
		}
	}

	return string(out)
}

// TokenValue returns a random (version 4) UUID string.
func (g *Generator) TokenValue() string {
	id, err := uuid.NewRandomFromReader(g.src)
	if err != nil {
		panic("random: reading entropy failed: " + err.Error())
	}
	return id.String()
}

// TokenSecret returns TokenSecretBytes random bytes, base64-encoded.
func (g *Generator) TokenSecret() string {
	b := make([]byte, TokenSecretBytes)
	g.read(b)
	return base64.StdEncoding.EncodeToString(b)
}

// Hex returns byteLen random bytes, hex-encoded.
func (g *Generator) Hex(byteLen int) string {
	b := make([]byte, byteLen)
	g.read(b)
	return hex.EncodeToString(b)
}

func (g *Generator) read(b []byte) {
	if _, err := io.ReadFull(g.src, b); err != nil {
		panic(fmt.Sprintf("random: reading entropy failed: %v", err))
	}
}

package oauth1

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Signature method names as they appear in oauth_signature_method.
const (
	MethodHMACSHA1  = "HMAC-SHA1"
	MethodRSASHA1   = "RSA-SHA1"
	MethodPlaintext = "PLAINTEXT"
)

// signingKey is enc(consumerSecret)&enc(tokenSecret).
func signingKey(consumerSecret, tokenSecret string) string {
	return Encode(consumerSecret) + "&" + Encode(tokenSecret)
}

// SignHMACSHA1 returns the base64 HMAC-SHA1 of base under the consumer
// and token secrets.
func SignHMACSHA1(base, consumerSecret, tokenSecret string) string {
	mac := hmac.New(sha1.New, []byte(signingKey(consumerSecret, tokenSecret)))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA1 checks sig in constant time.
func VerifyHMACSHA1(base, sig, consumerSecret, tokenSecret string) bool {
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, []byte(signingKey(consumerSecret, tokenSecret)))
	mac.Write([]byte(base))

	return hmac.Equal(got, mac.Sum(nil))
}

// SignRSASHA1 returns the base64 RSASSA-PKCS1-v1_5 SHA-1 signature of base.
func SignRSASHA1(base string, key *rsa.PrivateKey) (string, error) {
	digest := sha1.Sum([]byte(base))

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing base string: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRSASHA1 checks sig against the consumer's public key.
func VerifyRSASHA1(base, sig string, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}

	digest := sha1.Sum([]byte(base))

	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], raw) == nil
}

// SignPlaintext returns the PLAINTEXT signature: the signing key itself.
func SignPlaintext(consumerSecret, tokenSecret string) string {
	return signingKey(consumerSecret, tokenSecret)
}

// VerifyPlaintext checks a PLAINTEXT signature in constant time.
func VerifyPlaintext(sig, consumerSecret, tokenSecret string) bool {
	want := signingKey(consumerSecret, tokenSecret)
	return subtle.ConstantTimeCompare([]byte(sig), []byte(want)) == 1
}

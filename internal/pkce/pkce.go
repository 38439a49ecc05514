// Package pkce implements PKCE (RFC 7636) verifier and challenge handling
// for the S256 method, which is the only method OAuth 2.1 recommends.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// verifierEntropy is the number of random bytes in a generated verifier.
// 32 bytes encodes to 43 base64url characters, the RFC 7636 minimum length.
const verifierEntropy = 32

// Pair holds a freshly generated verifier and its S256 challenge.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate creates a cryptographically random code verifier and derives
// its S256 code challenge. The verifier must be kept secret and must
// never be logged.
func Generate() (Pair, error) {
	b := make([]byte, verifierEntropy)
	if _, err := rand.Read(b); err != nil {
		return Pair{}, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
	}, nil
}

// Challenge computes the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// Verify reports whether the verifier's S256 challenge matches the stored
// challenge. The comparison is constant-time; the challenge itself is not
// secret, but this keeps the check free of content-dependent branches.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

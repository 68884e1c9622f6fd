package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Every node in a deployment is provisioned with the same registration
// secret. Discovery announcements and transport hellos carry its hash so
// strangers on the LAN can neither join the mesh nor probe whether their
// guess at the secret was close.

// HashRegistrationKey derives the wire-safe hash of the shared registration secret
func HashRegistrationKey(secret string) string {
	sum := sha256.Sum256([]byte("shopsync-registration:" + secret))
	return hex.EncodeToString(sum[:])
}

// VerifyRegistrationKeyHash compares a presented hash against the local
// secret in constant time. Invalid hashes must be discarded silently by
// callers; returning detail would leak secret validity to the sender.
func VerifyRegistrationKeyHash(secret, presented string) bool {
	expected := HashRegistrationKey(secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// CompareRegistrationKeyHashes compares two precomputed registration
// hashes in constant time, for callers that avoid holding the secret.
func CompareRegistrationKeyHashes(local, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(local), []byte(presented)) == 1
}

// Authenticator handles peer authentication on the sync transport
type Authenticator struct {
	psk []byte
}

// NewAuthenticator creates a new authenticator from the registration secret
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{psk: []byte(secret)}
}

// GenerateChallenge generates an authentication challenge
func (a *Authenticator) GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return challenge, nil
}

// GenerateResponse generates a response to a challenge
func (a *Authenticator) GenerateResponse(challenge []byte) ([]byte, error) {
	if len(a.psk) == 0 {
		return nil, fmt.Errorf("registration secret not set")
	}

	mac := hmac.New(sha256.New, a.psk)
	mac.Write(challenge)
	return mac.Sum(nil), nil
}

// VerifyResponse verifies a challenge response
func (a *Authenticator) VerifyResponse(challenge, response []byte) bool {
	if len(a.psk) == 0 {
		return false
	}

	expectedResponse, err := a.GenerateResponse(challenge)
	if err != nil {
		return false
	}

	return hmac.Equal(response, expectedResponse)
}

// EncodeSecret encodes a raw secret to base64 for config files
func EncodeSecret(secret []byte) string {
	return base64.StdEncoding.EncodeToString(secret)
}

// DecodeSecret decodes a base64-encoded secret
func DecodeSecret(encoded string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}
	return decoded, nil
}

package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts is how many bad signatures a client gets before the
// connection is dropped.
const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication. Clients prove
// possession of the shared secret by signing the server's challenge with
// HMAC-SHA256; the secret itself never crosses the wire.
type AuthHandler struct {
	sharedSecret string
	// knownPrincipals guards against signing in as a principal the
	// gateway has no scope grants for.
	knownPrincipals map[string]bool
}

// NewAuthHandler creates an authentication handler
func NewAuthHandler(sharedSecret string, principals []string) *AuthHandler {
	known := make(map[string]bool, len(principals))
	for _, p := range principals {
		known[p] = true
	}
	return &AuthHandler{
		sharedSecret:    sharedSecret,
		knownPrincipals: known,
	}
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature verifies an HMAC-SHA256 signature over the challenge.
// Constant-time comparison, no early exit on mismatch.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HandleAuthResponse processes one challenge response. On success the
// client is bound to the claimed principal.
func (a *AuthHandler) HandleAuthResponse(client *Client, principal, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Type: "auth.failure", Message: "no challenge outstanding"}
	}

	if !a.knownPrincipals[principal] {
		client.AuthAttempts++
		return AuthResult{Type: "auth.failure", Message: "unknown principal"}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{Type: "auth.failure", Message: "too many failed attempts"}
		}
		return AuthResult{Type: "auth.failure", Message: "invalid signature"}
	}

	client.Authenticated = true
	client.Principal = principal
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Type: "auth.success", Success: true}
}

package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// newDeviceToken returns a fresh device token and its stored hash. The raw
// token leaves the process exactly once, in the approve response.
func newDeviceToken() (raw, hash string, err error) {
	return newToken("owdev_")
}

// newAPIKey returns a fresh admin API key and its stored hash.
func newAPIKey() (raw, hash string, err error) {
	return newToken("owkey_")
}

func newToken(prefix string) (string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	raw := prefix + base64.RawURLEncoding.EncodeToString(b)
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// tokenMatches compares a presented token against a stored hash in
// constant time.
func tokenMatches(storedHash, raw string) bool {
	presented := hashToken(raw)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presented)) == 1
}

package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TokenFingerprint returns a short SHA-256 prefix of token, safe to log.
// An empty token yields "".
func TokenFingerprint(token string) string {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:12]
}

package identity

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SubjectFromToken returns the "sub" claim of a JWT without verifying it.
func SubjectFromToken(token string) (string, error) {
	const op = "identity.SubjectFromToken"

	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", OpError{Op: op, Kind: ErrNoIdentity, Msg: "empty token"}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", OpError{Op: op, Kind: ErrInvalidToken, Msg: err.Error()}
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return "", OpError{Op: op, Kind: ErrInvalidToken, Msg: err.Error()}
	}
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return "", OpError{Op: op, Kind: ErrNoIdentity, Msg: "token has no subject"}
	}
	return sub, nil
}

// ResolveUserID prefers an explicit id and falls back to the token subject.
func ResolveUserID(explicit, token string) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	if strings.TrimSpace(token) == "" {
		return "", OpError{Op: "identity.ResolveUserID", Kind: ErrNoIdentity, Msg: "set COACHSYNC_USER_ID or COACHSYNC_TOKEN"}
	}
	return SubjectFromToken(token)
}

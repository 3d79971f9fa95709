package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrNoIdentity is returned when neither an explicit user id nor a token subject is available.
	ErrNoIdentity = errors.New("no user identity")

	// ErrInvalidToken is returned when the bearer token cannot be parsed.
	ErrInvalidToken = errors.New("invalid token")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by outbound requests while no upstream session is established.
	ErrNotConnected = errors.New("upstream not connected")

	// ErrRequestTimeout is returned when upstream does not acknowledge a request in time.
	ErrRequestTimeout = errors.New("upstream request timed out")

	// ErrInvalidRequest is returned for outbound requests rejected before sending.
	ErrInvalidRequest = errors.New("invalid request")
)

// RequestError is an error envelope returned by upstream for one request.
type RequestError struct {
	Type    string
	Code    string
	Message string
}

func (e RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected: %s", e.Type, e.Code)
	}
	return fmt.Sprintf("%s rejected: %s: %s", e.Type, e.Code, e.Message)
}

// IsRejected reports whether err carries an upstream RequestError.
func IsRejected(err error) bool {
	var re RequestError
	return errors.As(err, &re)
}

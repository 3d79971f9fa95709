package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrUnroutable is returned when a message cannot be mapped to a conversation id.
	ErrUnroutable = errors.New("unroutable event")

	// ErrDuplicate is returned when a message id is already stored.
	// Expected under at-least-once delivery.
	ErrDuplicate = errors.New("duplicate event")

	// ErrUnknownEntity is returned when an event references a conversation
	// that is not present locally (it may not have been loaded yet).
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrInvalidEvent is returned for structurally broken events.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrEngineStopped is returned by Engine calls after Run has returned.
	ErrEngineStopped = errors.New("engine stopped")
)

// RouteError is a classified, non-fatal event failure.
// Kind is always one of the sentinel errors above.
type RouteError struct {
	Op             string
	Kind           error
	ConversationID string
	MessageID      string
	Msg            string
}

func (e RouteError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.ConversationID != "" {
		s += " conversation=" + e.ConversationID
	}
	if e.MessageID != "" {
		s += " message=" + e.MessageID
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e RouteError) Unwrap() error { return e.Kind }

// Reason returns a stable short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnroutable):
		return "unroutable"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrUnknownEntity):
		return "unknown_entity"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid"
	default:
		return "other"
	}
}

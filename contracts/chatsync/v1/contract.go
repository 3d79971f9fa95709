// Package v1 defines the coachsync wire contract: the envelope exchanged with
// the upstream realtime gateway and the local watch feed.
//
// This package is intentionally stable and dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocols negotiated on the websocket handshake.
const (
	SubprotocolUpstream = "coachsync.v1"
	SubprotocolWatch    = "coachsync.watch.v1"
)

// Type constants (wire-stable).
const (
	// TypeHello starts a session (client -> upstream).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session and names the authenticated user.
	TypeHelloAck = "hello.ack"

	// TypeMessageNew delivers a direct message, including echoes of our own sends.
	TypeMessageNew = "message.new"
	// TypeGroupMessageNew delivers a group message.
	TypeGroupMessageNew = "group.message.new"
	// TypeMessageRead reports messages as read.
	TypeMessageRead = "message.read"
	// TypeTyping is a direct-conversation typing signal.
	TypeTyping = "typing"
	// TypeGroupTyping is a group typing signal.
	TypeGroupTyping = "group.typing"
	// TypeUserOnline and TypeUserOffline are presence changes.
	TypeUserOnline  = "user.online"
	TypeUserOffline = "user.offline"

	TypeGroupMemberAdded   = "group.member.added"
	TypeGroupMemberRemoved = "group.member.removed"
	TypeGroupUpdated       = "group.updated"
	TypeGroupDeleted       = "group.deleted"

	// Outbound requests (client -> upstream). Each is answered by
	// TypeRequestAck or TypeError carrying the same envelope id.
	TypeMessageSend      = "message.send"
	TypeGroupMessageSend = "group.message.send"
	TypeTypingSend       = "typing.send"
	TypeMessageMarkRead  = "message.mark_read"
	TypeRequestAck       = "request.ack"

	// TypeStateChanged is pushed on the local watch feed.
	TypeStateChanged = "state.changed"

	// TypeError is a generic error envelope.
	TypeError = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:              {},
	TypeHelloAck:           {},
	TypeMessageNew:         {},
	TypeGroupMessageNew:    {},
	TypeMessageRead:        {},
	TypeTyping:             {},
	TypeGroupTyping:        {},
	TypeUserOnline:         {},
	TypeUserOffline:        {},
	TypeGroupMemberAdded:   {},
	TypeGroupMemberRemoved: {},
	TypeGroupUpdated:       {},
	TypeGroupDeleted:       {},
	TypeMessageSend:        {},
	TypeGroupMessageSend:   {},
	TypeTypingSend:         {},
	TypeMessageMarkRead:    {},
	TypeRequestAck:         {},
	TypeStateChanged:       {},
	TypeError:              {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Type, err)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload confirms the session.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// Message is the wire shape of a chat message.
type Message struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind,omitempty"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// SenderContext carries display data about the sender.
type SenderContext struct {
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// MessageNewPayload delivers a direct message.
type MessageNewPayload struct {
	Message       Message        `json:"message"`
	SenderContext *SenderContext `json:"sender_context,omitempty"`
}

// GroupMessageNewPayload delivers a group message.
type GroupMessageNewPayload struct {
	GroupID       string         `json:"group_id"`
	Message       Message        `json:"message"`
	SenderContext *SenderContext `json:"sender_context,omitempty"`
}

// MessageReadPayload reports messages as read.
type MessageReadPayload struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageIDs     []string `json:"message_ids"`
}

// TypingPayload is a direct typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

// GroupTypingPayload is a group typing signal.
type GroupTypingPayload struct {
	GroupID  string `json:"group_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// PresencePayload is used by user.online and user.offline.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// GroupRefPayload is used by group.member.added, group.member.removed and group.deleted.
type GroupRefPayload struct {
	GroupID string `json:"group_id"`
}

// Group is the wire shape of a group summary.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MemberCount int       `json:"member_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GroupUpdatedPayload carries a full group summary.
type GroupUpdatedPayload struct {
	Group Group `json:"group"`
}

// MessageSendPayload requests sending a direct message.
type MessageSendPayload struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

// GroupMessageSendPayload requests sending a group message.
type GroupMessageSendPayload struct {
	GroupID string `json:"group_id"`
	Content string `json:"content"`
}

// TypingSendPayload publishes our own typing state.
type TypingSendPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	IsTyping       bool   `json:"is_typing"`
}

// MessageMarkReadPayload asks upstream to mark messages read.
type MessageMarkReadPayload struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageIDs     []string `json:"message_ids"`
}

// RequestAckPayload acknowledges an outbound request by envelope id.
type RequestAckPayload struct {
	RequestID string `json:"request_id"`
}

// StateChangedPayload tells local watchers to re-read snapshots.
type StateChangedPayload struct {
	Version uint64 `json:"version"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Package chatsync keeps the signed-in user's view of conversations in sync
// with an unordered, at-least-once stream of chat events.
//
// All state lives in a single State aggregate. Engine owns that aggregate on
// one goroutine; every mutation is an Event applied to completion before the
// next one is taken.
package chatsync

import (
	"errors"
	"strings"
	"time"
)

// Kind distinguishes direct (two-party) conversations from groups.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// ParseKind maps a wire string onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindDirect:
		return KindDirect, true
	case KindGroup:
		return KindGroup, true
	default:
		return "", false
	}
}

// Key identifies a conversation. Direct and group ids are separate spaces:
// a user and a group may share an id without sharing a conversation.
type Key struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// DirectKey is the key of the direct conversation with userID.
func DirectKey(userID string) Key { return Key{Kind: KindDirect, ID: userID} }

// GroupKey is the key of a group conversation.
func GroupKey(groupID string) Key { return Key{Kind: KindGroup, ID: groupID} }

func (k Key) String() string { return string(k.Kind) + ":" + k.ID }

// Message is a chat message. Everything except ReadAt is immutable once created.
//
// RecipientID is meaningful only for direct messages, GroupID only for group
// messages.
type Message struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	SenderID    string     `json:"sender_id"`
	RecipientID string     `json:"recipient_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Validate checks the structural fields the router depends on.
// A direct message without RecipientID is valid: the router resolves it.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("missing message id")
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return errors.New("missing sender id")
	}
	switch m.Kind {
	case KindDirect:
	case KindGroup:
		if strings.TrimSpace(m.GroupID) == "" {
			return errors.New("group message without group id")
		}
	default:
		return errors.New("unknown conversation kind")
	}
	return nil
}

// Inbound reports whether the message was sent by someone other than userID.
func (m Message) Inbound(userID string) bool { return m.SenderID != userID }

func (m Message) clone() Message {
	if m.ReadAt != nil {
		at := *m.ReadAt
		m.ReadAt = &at
	}
	return m
}

// Conversation is one entry of the conversation list.
//
// For direct conversations ID is the other participant's user id; for
// groups it is the group id. LastMessage and UnreadCount are denormalized
// for list rendering.
type Conversation struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
	UpdatedAt   time.Time `json:"updated_at"`
	MemberCount int       `json:"member_count,omitempty"`
}

// Key returns the conversation's directory key.
func (c Conversation) Key() Key { return Key{Kind: c.Kind, ID: c.ID} }

func (c Conversation) clone() Conversation {
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		c.LastMessage = &m
	}
	return c
}

// Contact is a direct-chat counterpart known from the roster.
type Contact struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

// Group is a group summary as delivered by the group list or group.updated.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MemberCount int       `json:"member_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Active identifies the conversation currently open in the UI.
type Active struct {
	ConversationID string `json:"conversation_id"`
	Kind           Kind   `json:"kind"`
}

// Key returns the key of the active conversation.
func (a Active) Key() Key { return Key{Kind: a.Kind, ID: a.ConversationID} }

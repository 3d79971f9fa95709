package chatsync

import (
	"slices"
	"strings"
	"time"
)

// TypingEntry is one user currently typing in one conversation.
type TypingEntry struct {
	ConversationID string    `json:"conversation_id"`
	Kind           Kind      `json:"kind"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at,omitzero"`
}

// Typing tracks who is typing where. With a positive TTL every entry expires
// unless refreshed; with ttl <= 0 entries live until an explicit stop.
type Typing struct {
	ttl     time.Duration
	entries map[Key]map[string]TypingEntry // conversation -> user id -> entry
}

// NewTyping constructs a tracker. ttl <= 0 disables expiry.
func NewTyping(ttl time.Duration) *Typing {
	return &Typing{
		ttl:     ttl,
		entries: make(map[Key]map[string]TypingEntry),
	}
}

// Set inserts or refreshes an entry when isTyping, and deletes it otherwise.
// It reports whether anything changed.
func (t *Typing) Set(k Key, userID, userName string, isTyping bool, now time.Time) bool {
	if !isTyping {
		users := t.entries[k]
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(t.entries, k)
		}
		return true
	}

	users := t.entries[k]
	if users == nil {
		users = make(map[string]TypingEntry)
		t.entries[k] = users
	}

	e, existed := users[userID]
	if !existed {
		e = TypingEntry{ConversationID: k.ID, Kind: k.Kind, UserID: userID, StartedAt: now}
	}
	if name := strings.TrimSpace(userName); name != "" {
		e.UserName = name
	}
	if t.ttl > 0 {
		e.ExpiresAt = now.Add(t.ttl)
	}
	users[userID] = e
	return true
}

// Users returns the live entries under k ordered by StartedAt, then UserID.
func (t *Typing) Users(k Key) []TypingEntry {
	users := t.entries[k]
	out := make([]TypingEntry, 0, len(users))
	for _, e := range users {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b TypingEntry) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return out
}

// Has reports whether userID is typing under k.
func (t *Typing) Has(k Key, userID string) bool {
	_, ok := t.entries[k][userID]
	return ok
}

// Purge drops every entry of a conversation.
func (t *Typing) Purge(k Key) {
	delete(t.entries, k)
}

// Sweep drops expired entries and returns how many were removed.
func (t *Typing) Sweep(now time.Time) int {
	if t.ttl <= 0 {
		return 0
	}
	removed := 0
	for k, users := range t.entries {
		for userID, e := range users {
			if !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt) {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.entries, k)
		}
	}
	return removed
}

// Conversations returns the keys that currently have typing entries,
// ordered by kind then id.
func (t *Typing) Conversations() []Key {
	out := make([]Key, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b Key) int {
		if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

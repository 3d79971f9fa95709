package chatsync

// Snapshot is a read-only, deep-copied view of State for the presentation layer.
type Snapshot struct {
	Version       uint64         `json:"version"`
	UserID        string         `json:"user_id"`
	Conversations []Conversation `json:"conversations"`
	// Typing lists live entries grouped by conversation (kind, then id).
	Typing      []TypingEntry `json:"typing"`
	Contacts    []Contact     `json:"contacts"`
	Online      []string      `json:"online"`
	Active      *Active       `json:"active,omitempty"`
	UnreadTotal int           `json:"unread_total"`
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	typing := make([]TypingEntry, 0)
	for _, k := range s.typing.Conversations() {
		typing = append(typing, s.typing.Users(k)...)
	}

	snap := Snapshot{
		Version:       s.version,
		UserID:        s.userID,
		Conversations: s.dir.List(),
		Typing:        typing,
		Contacts:      s.presence.Contacts(),
		Online:        s.presence.OnlineIDs(),
		UnreadTotal:   s.dir.UnreadTotal(),
	}
	if a, ok := s.gate.Current(); ok {
		snap.Active = &a
	}
	return snap
}

// Conversation returns a copy of one directory entry.
func (s *State) Conversation(k Key) (Conversation, bool) { return s.dir.Get(k) }

// Conversations returns the sorted conversation list.
func (s *State) Conversations() []Conversation { return s.dir.List() }

// Messages returns a copy of the message sequence of a conversation.
func (s *State) Messages(k Key) []Message { return s.store.Messages(k) }

// HasMessages reports whether a message sequence exists under k.
func (s *State) HasMessages(k Key) bool { return s.store.Exists(k) }

// TypingUsers returns the live typing entries of a conversation.
func (s *State) TypingUsers(k Key) []TypingEntry { return s.typing.Users(k) }

// Contacts returns the contact list with online flags.
func (s *State) Contacts() []Contact { return s.presence.Contacts() }

// IsOnline reports the presence of userID.
func (s *State) IsOnline(userID string) bool { return s.presence.IsOnline(userID) }

// Active returns the active conversation.
func (s *State) Active() (Active, bool) { return s.gate.Current() }

package chatsync

import (
	"fmt"
	"strings"
	"time"
)

// StateConfig configures a State.
type StateConfig struct {
	// UserID is the signed-in user. Required.
	UserID string
	// TypingTTL bounds how long a typing indicator survives without a refresh.
	// Zero selects the default; negative disables expiry.
	TypingTTL time.Duration
}

// State is the single owned aggregate: directory, message store, presence,
// typing and the active-conversation gate. It is not safe for concurrent
// use; Engine serializes access to it.
type State struct {
	userID string

	dir      *Directory
	store    *MessageStore
	presence *Presence
	typing   *Typing
	gate     Gate

	version uint64
}

// NewState constructs an empty State for cfg.UserID.
func NewState(cfg StateConfig) (*State, error) {
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, fmt.Errorf("chatsync: missing user id: %w", ErrInvalidEvent)
	}

	ttl := cfg.TypingTTL
	switch {
	case ttl == 0:
		ttl = defaultTypingTTL
	case ttl < 0:
		ttl = 0
	}

	return &State{
		userID:   userID,
		dir:      NewDirectory(),
		store:    NewMessageStore(),
		presence: NewPresence(),
		typing:   NewTyping(ttl),
	}, nil
}

// UserID returns the signed-in user's id.
func (s *State) UserID() string { return s.userID }

// Version increases by one for every applied event that changed state.
func (s *State) Version() uint64 { return s.version }

// Outcome describes the effect of one applied event.
type Outcome struct {
	Changed bool
	// Expired counts typing entries swept before the event was applied.
	Expired int
	// Err is a classified RouteError (see Reason). Never fatal.
	Err error
}

// Apply dispatches ev to the matching operation at time now.
// Expired typing entries are swept first.
func (s *State) Apply(ev Event, now time.Time) Outcome {
	expired := s.typing.Sweep(now)
	swept := expired > 0

	var (
		changed bool
		err     error
	)

	switch e := ev.(type) {
	case DirectMessageEvent:
		err = s.RouteDirectMessage(e.Message, e.SenderName)
		changed = err == nil
	case GroupMessageEvent:
		err = s.RouteGroupMessage(e.GroupID, e.Message)
		changed = err == nil
	case MessagesReadEvent:
		changed = s.MarkRead(e.MessageIDs, now)
	case TypingEvent:
		changed, err = s.applyDirectTyping(e, now)
	case GroupTypingEvent:
		changed, err = s.applyGroupTyping(e, now)
	case PresenceEvent:
		changed, err = s.applyPresence(e)
	case GroupMemberEvent:
		err = s.AdjustMemberCount(e.GroupID, e.Delta)
		changed = err == nil
	case GroupUpdatedEvent:
		err = s.UpsertGroup(e.Group)
		changed = err == nil
	case GroupDeletedEvent:
		err = s.RemoveGroup(e.GroupID)
		changed = err == nil
	case OpenConversationEvent:
		err = s.OpenConversation(e.ConversationID, e.Kind)
		changed = err == nil
	case CloseConversationEvent:
		changed = s.CloseConversation()
	case RosterLoadedEvent:
		s.LoadRoster(e.Contacts, e.Groups)
		changed = true
	case nil:
		err = RouteError{Op: "chatsync.Apply", Kind: ErrInvalidEvent, Msg: "nil event"}
	default:
		err = RouteError{Op: "chatsync.Apply", Kind: ErrInvalidEvent, Msg: fmt.Sprintf("unsupported event %T", ev)}
	}

	if changed || swept {
		s.version++
	}
	return Outcome{Changed: changed || swept, Expired: expired, Err: err}
}

// Sweep drops expired typing entries outside of event processing.
func (s *State) Sweep(now time.Time) int {
	n := s.typing.Sweep(now)
	if n > 0 {
		s.version++
	}
	return n
}

// ---- presence / typing / gate ----

func (s *State) applyPresence(e PresenceEvent) (bool, error) {
	id := strings.TrimSpace(e.UserID)
	if id == "" {
		return false, RouteError{Op: "chatsync.Presence", Kind: ErrInvalidEvent, Msg: "missing user id"}
	}
	if e.Online {
		return s.presence.SetOnline(id), nil
	}
	return s.presence.SetOffline(id), nil
}

func (s *State) applyDirectTyping(e TypingEvent, now time.Time) (bool, error) {
	const op = "chatsync.Typing"

	userID := strings.TrimSpace(e.UserID)
	if userID == "" {
		return false, RouteError{Op: op, Kind: ErrInvalidEvent, Msg: "missing user id"}
	}

	// Peers address typing signals to us; the local conversation is keyed by them.
	convID := strings.TrimSpace(e.ConversationID)
	if convID == "" || convID == s.userID {
		convID = userID
	}

	if !s.knownDirect(convID) {
		return false, RouteError{Op: op, Kind: ErrUnknownEntity, ConversationID: convID}
	}
	return s.typing.Set(DirectKey(convID), userID, e.UserName, e.IsTyping, now), nil
}

func (s *State) applyGroupTyping(e GroupTypingEvent, now time.Time) (bool, error) {
	const op = "chatsync.GroupTyping"

	groupID := strings.TrimSpace(e.GroupID)
	userID := strings.TrimSpace(e.UserID)
	if groupID == "" || userID == "" {
		return false, RouteError{Op: op, Kind: ErrInvalidEvent, ConversationID: groupID, Msg: "missing group or user id"}
	}
	if !s.knownGroup(groupID) {
		return false, RouteError{Op: op, Kind: ErrUnknownEntity, ConversationID: groupID}
	}
	return s.typing.Set(GroupKey(groupID), userID, e.UserName, e.IsTyping, now), nil
}

// OpenConversation sets the active-conversation gate.
func (s *State) OpenConversation(conversationID string, kind Kind) error {
	id := strings.TrimSpace(conversationID)
	if id == "" || (kind != KindDirect && kind != KindGroup) {
		return RouteError{Op: "chatsync.OpenConversation", Kind: ErrInvalidEvent, ConversationID: id}
	}
	s.gate.Open(id, kind)
	return nil
}

// CloseConversation clears the gate. It reports whether one was open.
func (s *State) CloseConversation() bool {
	_, open := s.gate.Current()
	s.gate.Close()
	return open
}

// LoadRoster installs the contact list and merges the group list into the directory.
func (s *State) LoadRoster(contacts []Contact, groups []Group) {
	s.presence.SetContacts(contacts)

	for _, c := range s.presence.Contacts() {
		s.dir.Update(DirectKey(c.UserID), func(conv *Conversation) {
			if conv.Title == "" {
				conv.Title = c.Name
			}
		})
	}
	for _, g := range groups {
		_ = s.UpsertGroup(g)
	}
}

func (s *State) knownDirect(id string) bool {
	if _, ok := s.dir.Get(DirectKey(id)); ok {
		return true
	}
	_, ok := s.presence.Contact(id)
	return ok
}

func (s *State) knownGroup(id string) bool {
	_, ok := s.dir.Get(GroupKey(id))
	return ok
}

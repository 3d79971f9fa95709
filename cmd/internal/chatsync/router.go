package chatsync

import (
	"strings"
	"time"
)

// RouteDirectMessage files a direct message under the other participant's
// conversation and updates the directory.
//
// Inbound messages bump UnreadCount and become LastMessage. Echoes of our
// own sends are stored but leave the summary untouched until the next
// inbound message.
func (s *State) RouteDirectMessage(msg Message, senderName string) error {
	const op = "chatsync.RouteDirectMessage"

	if msg.Kind == "" {
		msg.Kind = KindDirect
	}
	if msg.Kind != KindDirect {
		return RouteError{Op: op, Kind: ErrInvalidEvent, MessageID: msg.ID, Msg: "not a direct message"}
	}
	if err := msg.Validate(); err != nil {
		return RouteError{Op: op, Kind: ErrInvalidEvent, MessageID: msg.ID, Msg: err.Error()}
	}

	var fallback string
	if a, ok := s.gate.Current(); ok && a.Kind == KindDirect {
		fallback = a.ConversationID
	}

	convID, err := ResolveDirectConversationID(msg, s.userID, fallback)
	if err != nil {
		return err
	}
	key := DirectKey(convID)

	if !s.store.Append(key, msg) {
		return RouteError{Op: op, Kind: ErrDuplicate, ConversationID: convID, MessageID: msg.ID}
	}

	if _, ok := s.dir.Get(key); !ok {
		s.dir.Upsert(Conversation{
			ID:        convID,
			Kind:      KindDirect,
			Title:     s.directTitle(convID, msg, senderName),
			UpdatedAt: msg.CreatedAt,
		})
	}

	if msg.Inbound(s.userID) {
		last := msg.clone()
		s.dir.Update(key, func(c *Conversation) {
			c.UnreadCount++
			c.LastMessage = &last
			c.UpdatedAt = msg.CreatedAt
			if c.Title == "" {
				c.Title = strings.TrimSpace(senderName)
			}
		})
	}
	return nil
}

// RouteGroupMessage files a group message under groupID.
//
// LastMessage and UpdatedAt follow every message, our own echoes included;
// UnreadCount only counts inbound ones. Messages for groups that are not
// loaded are dropped as unknown.
func (s *State) RouteGroupMessage(groupID string, msg Message) error {
	const op = "chatsync.RouteGroupMessage"

	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		groupID = strings.TrimSpace(msg.GroupID)
	}
	if groupID == "" {
		return RouteError{Op: op, Kind: ErrUnroutable, MessageID: msg.ID, Msg: "missing group id"}
	}
	msg.Kind = KindGroup
	msg.GroupID = groupID

	if err := msg.Validate(); err != nil {
		return RouteError{Op: op, Kind: ErrInvalidEvent, ConversationID: groupID, MessageID: msg.ID, Msg: err.Error()}
	}
	if !s.knownGroup(groupID) {
		return RouteError{Op: op, Kind: ErrUnknownEntity, ConversationID: groupID, MessageID: msg.ID}
	}

	key := GroupKey(groupID)
	if !s.store.Append(key, msg) {
		return RouteError{Op: op, Kind: ErrDuplicate, ConversationID: groupID, MessageID: msg.ID}
	}

	inbound := msg.Inbound(s.userID)
	last := msg.clone()
	s.dir.Update(key, func(c *Conversation) {
		if inbound {
			c.UnreadCount++
		}
		c.LastMessage = &last
		c.UpdatedAt = msg.CreatedAt
	})
	return nil
}

// MarkRead stamps ReadAt on every stored message whose id is listed, in any
// conversation, then zeroes the unread count of the active conversation.
//
// Unread counts of other conversations are left as they are even when their
// messages were stamped.
func (s *State) MarkRead(messageIDs []string, now time.Time) bool {
	touched := s.store.MarkRead(messageIDs, now)

	zeroed := false
	if a, ok := s.gate.Current(); ok {
		s.dir.Update(a.Key(), func(c *Conversation) {
			if c.UnreadCount != 0 {
				c.UnreadCount = 0
				zeroed = true
			}
		})
	}
	return touched > 0 || zeroed
}

// UpsertConversation replaces or prepends a directory entry.
func (s *State) UpsertConversation(c Conversation) error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" || (c.Kind != KindDirect && c.Kind != KindGroup) {
		return RouteError{Op: "chatsync.UpsertConversation", Kind: ErrInvalidEvent, ConversationID: c.ID}
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	s.dir.Upsert(c)
	return nil
}

// UpsertGroup merges a group summary into the directory. Local LastMessage
// and UnreadCount survive; UpdatedAt keeps the later of the two.
func (s *State) UpsertGroup(g Group) error {
	id := strings.TrimSpace(g.ID)
	if id == "" {
		return RouteError{Op: "chatsync.UpsertGroup", Kind: ErrInvalidEvent, Msg: "missing group id"}
	}

	c := Conversation{
		ID:          id,
		Kind:        KindGroup,
		Title:       g.Name,
		UpdatedAt:   g.UpdatedAt,
		MemberCount: max(g.MemberCount, 0),
	}
	if prev, ok := s.dir.Get(c.Key()); ok {
		c.LastMessage = prev.LastMessage
		c.UnreadCount = prev.UnreadCount
		if prev.UpdatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = prev.UpdatedAt
		}
		if c.Title == "" {
			c.Title = prev.Title
		}
	}
	return s.UpsertConversation(c)
}

// RemoveGroup deletes a group and everything hanging off it: stored
// messages, typing entries, and the gate when it points there.
func (s *State) RemoveGroup(groupID string) error {
	groupID = strings.TrimSpace(groupID)
	if !s.dir.RemoveGroup(groupID) {
		return RouteError{Op: "chatsync.RemoveGroup", Kind: ErrUnknownEntity, ConversationID: groupID}
	}
	key := GroupKey(groupID)
	s.store.Drop(key)
	s.typing.Purge(key)
	if s.gate.Is(key) {
		s.gate.Close()
	}
	return nil
}

// AdjustMemberCount applies a membership delta to a known group.
func (s *State) AdjustMemberCount(groupID string, delta int) error {
	if !s.dir.AdjustMemberCount(strings.TrimSpace(groupID), delta) {
		return RouteError{Op: "chatsync.AdjustMemberCount", Kind: ErrUnknownEntity, ConversationID: groupID}
	}
	return nil
}

// RecountUnread recomputes the unread count of a conversation from stored
// messages. It does not modify the directory.
func (s *State) RecountUnread(k Key) int {
	return s.store.CountUnread(k, s.userID)
}

func (s *State) directTitle(convID string, msg Message, senderName string) string {
	if c, ok := s.presence.Contact(convID); ok && c.Name != "" {
		return c.Name
	}
	if msg.Inbound(s.userID) {
		return strings.TrimSpace(senderName)
	}
	return ""
}

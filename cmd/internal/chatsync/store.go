package chatsync

import "time"

// MessageStore holds the in-memory working set of messages per conversation.
//
//   - append-only, insertion order = arrival order
//   - idempotent by Message.ID per conversation
//
// It is owned by State and is not safe for concurrent use.
type MessageStore struct {
	convs map[Key]*storeConv
}

type storeConv struct {
	// seen outlives trimming so a redelivered old message is still a
	// duplicate. It grows with every id for the life of the conversation
	// and is only released by Drop.
	seen map[string]struct{}
	msgs []Message // arrival order
}

// NewMessageStore constructs an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{convs: make(map[Key]*storeConv)}
}

// Ensure creates an empty sequence for k if absent.
func (s *MessageStore) Ensure(k Key) {
	if _, ok := s.convs[k]; ok {
		return
	}
	s.convs[k] = &storeConv{
		seen: make(map[string]struct{}),
		msgs: make([]Message, 0, 32),
	}
}

// Exists reports whether a sequence exists for k.
func (s *MessageStore) Exists(k Key) bool {
	_, ok := s.convs[k]
	return ok
}

// Has reports whether messageID was stored under k.
func (s *MessageStore) Has(k Key, messageID string) bool {
	c := s.convs[k]
	if c == nil {
		return false
	}
	_, ok := c.seen[messageID]
	return ok
}

// Append stores msg under k. It returns false for duplicates.
//
// Past maxMessagesPerConversation the oldest messages are dropped in one
// batch down to trimMessagesTo.
func (s *MessageStore) Append(k Key, msg Message) bool {
	s.Ensure(k)
	c := s.convs[k]

	if _, dup := c.seen[msg.ID]; dup {
		return false
	}
	c.seen[msg.ID] = struct{}{}
	c.msgs = append(c.msgs, msg.clone())

	if len(c.msgs) > maxMessagesPerConversation {
		kept := make([]Message, trimMessagesTo, maxMessagesPerConversation)
		copy(kept, c.msgs[len(c.msgs)-trimMessagesTo:])
		c.msgs = kept
	}
	return true
}

// Messages returns a copy of the conversation's sequence.
func (s *MessageStore) Messages(k Key) []Message {
	c := s.convs[k]
	if c == nil {
		return nil
	}
	out := make([]Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of stored messages under k.
func (s *MessageStore) Len(k Key) int {
	c := s.convs[k]
	if c == nil {
		return 0
	}
	return len(c.msgs)
}

// Drop removes the conversation's sequence and dedupe index.
func (s *MessageStore) Drop(k Key) {
	delete(s.convs, k)
}

// MarkRead sets ReadAt on every stored message, in any conversation, whose id
// is in ids. Messages already read keep their original ReadAt.
// It returns the number of messages touched.
func (s *MessageStore) MarkRead(ids []string, at time.Time) int {
	if len(ids) == 0 {
		return 0
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	touched := 0
	for _, c := range s.convs {
		for i := range c.msgs {
			m := &c.msgs[i]
			if _, ok := want[m.ID]; !ok || m.ReadAt != nil {
				continue
			}
			readAt := at
			m.ReadAt = &readAt
			touched++
		}
	}
	return touched
}

// CountUnread recomputes unread messages under k from the store:
// messages not sent by userID with no ReadAt.
func (s *MessageStore) CountUnread(k Key, userID string) int {
	c := s.convs[k]
	if c == nil {
		return 0
	}
	n := 0
	for _, m := range c.msgs {
		if m.SenderID != userID && m.ReadAt == nil {
			n++
		}
	}
	return n
}

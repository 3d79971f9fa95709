package chatsync

import (
	"fmt"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func mustNewState(t *testing.T, userID string) *State {
	t.Helper()

	s, err := NewState(StateConfig{UserID: userID})
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return s
}

func directMsg(id, from, to string, at time.Time) Message {
	return Message{
		ID:          id,
		Kind:        KindDirect,
		SenderID:    from,
		RecipientID: to,
		Content:     fmt.Sprintf("msg %s", id),
		CreatedAt:   at,
	}
}

func groupMsg(id, groupID, from string, at time.Time) Message {
	return Message{
		ID:        id,
		Kind:      KindGroup,
		SenderID:  from,
		GroupID:   groupID,
		Content:   fmt.Sprintf("msg %s", id),
		CreatedAt: at,
	}
}

func mustConversation(t *testing.T, s *State, k Key) Conversation {
	t.Helper()

	c, ok := s.Conversation(k)
	if !ok {
		t.Fatalf("conversation %s not found", k)
	}
	return c
}

func mustApply(t *testing.T, s *State, ev Event) Outcome {
	t.Helper()

	out := s.Apply(ev, t0)
	if out.Err != nil {
		t.Fatalf("apply %s: %v", ev.EventType(), out.Err)
	}
	return out
}

func conversationIDs(list []Conversation) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

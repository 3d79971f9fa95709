package transport

import (
	"fmt"
	"strings"

	"coachsync/cmd/internal/chatsync"
	v1 "coachsync/contracts/chatsync/v1"
)

// DecodeEvent maps an inbound envelope onto an engine event.
// Session-level envelopes (hello.ack, request.ack, error) are not events and
// return ok=false.
func DecodeEvent(env v1.Envelope) (ev chatsync.Event, ok bool, err error) {
	switch env.Type {
	case v1.TypeMessageNew:
		var p v1.MessageNewPayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		msg := fromWireMessage(p.Message, chatsync.KindDirect)
		return chatsync.DirectMessageEvent{Message: msg, SenderName: senderName(p.SenderContext)}, true, nil

	case v1.TypeGroupMessageNew:
		var p v1.GroupMessageNewPayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		groupID := strings.TrimSpace(p.GroupID)
		if groupID == "" {
			groupID = strings.TrimSpace(p.Message.GroupID)
		}
		msg := fromWireMessage(p.Message, chatsync.KindGroup)
		return chatsync.GroupMessageEvent{GroupID: groupID, Message: msg, SenderName: senderName(p.SenderContext)}, true, nil

	case v1.TypeMessageRead:
		var p v1.MessageReadPayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		return chatsync.MessagesReadEvent{MessageIDs: p.MessageIDs, ConversationID: p.ConversationID}, true, nil

	case v1.TypeTyping:
		var p v1.TypingPayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		return chatsync.TypingEvent{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			UserName:       p.UserName,
			IsTyping:       p.IsTyping,
		}, true, nil

	case v1.TypeGroupTyping:
		var p v1.GroupTypingPayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		return chatsync.GroupTypingEvent{
			GroupID:  p.GroupID,
			UserID:   p.UserID,
			UserName: p.UserName,
			IsTyping: p.IsTyping,
		}, true, nil

	case v1.TypeUserOnline, v1.TypeUserOffline:
		var p v1.PresencePayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		return chatsync.PresenceEvent{UserID: p.UserID, Online: env.Type == v1.TypeUserOnline}, true, nil

	case v1.TypeGroupMemberAdded, v1.TypeGroupMemberRemoved:
		var p v1.GroupRefPayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		delta := 1
		if env.Type == v1.TypeGroupMemberRemoved {
			delta = -1
		}
		return chatsync.GroupMemberEvent{GroupID: p.GroupID, Delta: delta}, true, nil

	case v1.TypeGroupUpdated:
		var p v1.GroupUpdatedPayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		return chatsync.GroupUpdatedEvent{Group: chatsync.Group{
			ID:          p.Group.ID,
			Name:        p.Group.Name,
			MemberCount: p.Group.MemberCount,
			UpdatedAt:   p.Group.UpdatedAt,
		}}, true, nil

	case v1.TypeGroupDeleted:
		var p v1.GroupRefPayload
		if err := env.Decode(&p); err != nil {
			return nil, false, err
		}
		return chatsync.GroupDeletedEvent{GroupID: p.GroupID}, true, nil

	case v1.TypeHelloAck, v1.TypeRequestAck, v1.TypeError:
		return nil, false, nil

	default:
		return nil, false, fmt.Errorf("unexpected inbound type: %s", env.Type)
	}
}

func fromWireMessage(m v1.Message, kind chatsync.Kind) chatsync.Message {
	if k, ok := chatsync.ParseKind(m.Kind); ok {
		kind = k
	}
	out := chatsync.Message{
		ID:          strings.TrimSpace(m.ID),
		Kind:        kind,
		SenderID:    strings.TrimSpace(m.SenderID),
		RecipientID: strings.TrimSpace(m.RecipientID),
		GroupID:     strings.TrimSpace(m.GroupID),
		Content:     m.Content,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	if m.ReadAt != nil {
		at := m.ReadAt.UTC()
		out.ReadAt = &at
	}
	return out
}

func senderName(sc *v1.SenderContext) string {
	if sc == nil {
		return ""
	}
	return strings.TrimSpace(sc.Name)
}

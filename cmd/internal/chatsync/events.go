package chatsync

// Event is one unit of work applied to State. Inbound transport events and
// local UI actions share this type so that every mutation goes through the
// same single-threaded path.
type Event interface {
	EventType() string
}

// DirectMessageEvent is message.new. SenderName comes from the sender context.
type DirectMessageEvent struct {
	Message    Message
	SenderName string
}

// GroupMessageEvent is group.message.new.
type GroupMessageEvent struct {
	GroupID    string
	Message    Message
	SenderName string
}

// MessagesReadEvent is message.read.
type MessagesReadEvent struct {
	MessageIDs     []string
	ConversationID string
}

// TypingEvent is a direct typing signal.
type TypingEvent struct {
	ConversationID string
	UserID         string
	UserName       string
	IsTyping       bool
}

// GroupTypingEvent is group.typing.
type GroupTypingEvent struct {
	GroupID  string
	UserID   string
	UserName string
	IsTyping bool
}

// PresenceEvent is user.online / user.offline.
type PresenceEvent struct {
	UserID string
	Online bool
}

// GroupMemberEvent is group.member.added (+1) / group.member.removed (-1).
type GroupMemberEvent struct {
	GroupID string
	Delta   int
}

// GroupUpdatedEvent is group.updated.
type GroupUpdatedEvent struct {
	Group Group
}

// GroupDeletedEvent is group.deleted.
type GroupDeletedEvent struct {
	GroupID string
}

// OpenConversationEvent is sent by the UI when a conversation view opens.
type OpenConversationEvent struct {
	ConversationID string
	Kind           Kind
}

// CloseConversationEvent is sent by the UI when the conversation view closes.
type CloseConversationEvent struct{}

// RosterLoadedEvent carries the contact and group lists fetched from the roster source.
type RosterLoadedEvent struct {
	Contacts []Contact
	Groups   []Group
}

func (DirectMessageEvent) EventType() string     { return "message.new" }
func (GroupMessageEvent) EventType() string      { return "group.message.new" }
func (MessagesReadEvent) EventType() string      { return "message.read" }
func (TypingEvent) EventType() string            { return "typing" }
func (GroupTypingEvent) EventType() string       { return "group.typing" }
func (GroupUpdatedEvent) EventType() string      { return "group.updated" }
func (GroupDeletedEvent) EventType() string      { return "group.deleted" }
func (OpenConversationEvent) EventType() string  { return "conversation.open" }
func (CloseConversationEvent) EventType() string { return "conversation.close" }
func (RosterLoadedEvent) EventType() string      { return "roster.loaded" }

func (e PresenceEvent) EventType() string {
	if e.Online {
		return "user.online"
	}
	return "user.offline"
}

func (e GroupMemberEvent) EventType() string {
	if e.Delta < 0 {
		return "group.member.removed"
	}
	return "group.member.added"
}

package chatsync

// Gate points at the single conversation open in the UI, if any.
type Gate struct {
	active *Active
}

// Open sets the active conversation.
func (g *Gate) Open(conversationID string, kind Kind) {
	g.active = &Active{ConversationID: conversationID, Kind: kind}
}

// Close clears the active conversation.
func (g *Gate) Close() { g.active = nil }

// Current returns the active conversation.
func (g *Gate) Current() (Active, bool) {
	if g.active == nil {
		return Active{}, false
	}
	return *g.active, true
}

// Is reports whether k is the active conversation.
func (g *Gate) Is(k Key) bool {
	return g.active != nil && g.active.Key() == k
}

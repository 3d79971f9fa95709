package chatsync

import "strings"

// ResolveDirectConversationID maps a direct message onto the id of the
// conversation it belongs to, which is always the other participant's id.
//
//   - sender is the current user (an echo): the recipient, else
//     activeFallback, else ErrUnroutable.
//   - anyone else: the sender.
//
// The result is never currentUserID.
func ResolveDirectConversationID(msg Message, currentUserID, activeFallback string) (string, error) {
	const op = "chatsync.ResolveDirectConversationID"

	sender := strings.TrimSpace(msg.SenderID)
	if sender == "" {
		return "", RouteError{Op: op, Kind: ErrUnroutable, MessageID: msg.ID, Msg: "missing sender"}
	}

	if sender != currentUserID {
		return sender, nil
	}

	if to := strings.TrimSpace(msg.RecipientID); to != "" && to != currentUserID {
		return to, nil
	}
	if fb := strings.TrimSpace(activeFallback); fb != "" && fb != currentUserID {
		return fb, nil
	}
	return "", RouteError{Op: op, Kind: ErrUnroutable, MessageID: msg.ID, Msg: "echo without recipient and no active conversation"}
}

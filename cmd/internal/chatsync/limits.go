package chatsync

import "time"

const (
	// Working-set bound per conversation. Older messages are trimmed; their
	// ids stay in the dedupe index.
	maxMessagesPerConversation = 10_000
	// A trim keeps the newest 90% so the copy runs once per thousand appends.
	trimMessagesTo = maxMessagesPerConversation * 9 / 10

	// Typing entries expire unless refreshed by another "typing" signal.
	defaultTypingTTL = 8 * time.Second

	// Engine inbox size and expiry sweep cadence.
	defaultInboxSize  = 256
	defaultSweepEvery = 2 * time.Second
)

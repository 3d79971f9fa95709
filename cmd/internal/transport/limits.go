package transport

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 1 << 20

	// Max outbound message length (runes).
	maxMessageChars = 4000

	defaultRequestTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	defaultHelloTimeout   = 10 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	defaultBackoffMin = 1 * time.Second
	defaultBackoffMax = 30 * time.Second

	// One "typing=true" signal per conversation per window.
	defaultTypingThrottle = 3 * time.Second
)

package realtime

import "time"

// Gateway guardrails. The env-tunable ones are defaults only; gateway.go reads
// PARLEY_WS_* overrides at construction.
const (
	// Hard cap on a single websocket frame.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Cap on message content, counted in runes so multibyte text is not
	// penalized.
	maxMessageChars = 4000

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound envelope budget.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

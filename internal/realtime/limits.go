package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	MaxMessageChars = 4000
)

const (
	// How long a fresh connection may stay silent before the
	// authenticate envelope must have arrived.
	authTimeout = 10 * time.Second

	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limit (events per second, with burst).
	rateLimitPerSec = 12
	rateLimitBurst  = 120
)

package realtime

import "time"

// Security/performance limits for the websocket gateway.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Concurrent sockets allowed per client IP.
	defaultMaxConnsPerIP = 5

	// Fixed-window budgets: connection attempts per IP, messages per user.
	defaultConnLimit  = 10
	defaultConnWindow = time.Minute
	defaultMsgLimit   = 60
	defaultMsgWindow  = time.Minute

	// How often stale limiter buckets are swept.
	defaultSweepEvery = time.Minute
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second

	defaultWriteTimeout = 5 * time.Second

	defaultSendQueueSize = 256
	minSendQueueSize     = 32
)

// Close code for the per-IP concurrent-connection ceiling. 4000-4999 is
// the private-use range, and 4429 echoes HTTP 429.
const statusTooManyConnections = 4429

package realtime

import (
	"sync"

	v1 "aura/contracts/chat/v1"
)

// Conn represents one connected websocket session for an authenticated user.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent fanout.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Conn struct {
	SessionID string
	UserID    int64
	Username  string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn constructs a Conn with a bounded send queue.
func NewConn(sessionID string, userID int64, username string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		SessionID: sessionID,
		UserID:    userID,
		Username:  username,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the session goroutines to stop (idempotent).
// It does NOT close Send to keep fanout safe under concurrency.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

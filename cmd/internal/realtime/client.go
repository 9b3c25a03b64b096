package realtime

import "sync"

// Client represents one connected websocket session.
//
// Send is intentionally never closed by the server so concurrent senders
// cannot panic on a closed channel; done signals goroutines to stop and
// Close is idempotent.
type Client struct {
	ConnID string
	UserID string
	IP     string
	Send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(connID, userID, ip string, sendQueueSize int) *Client {
	if sendQueueSize < minSendQueueSize {
		sendQueueSize = minSendQueueSize
	}
	return &Client{
		ConnID: connID,
		UserID: userID,
		IP:     ip,
		Send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent). It does NOT
// close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

package realtime

import (
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Channel represents one live bidirectional connection for an authenticated
// user. A user may hold several channels at once (tabs, devices).
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Channel struct {
	ID     string
	UserID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]struct{} // conversation IDs this channel subscribed to
}

// NewChannel constructs a Channel with a bounded send queue.
func NewChannel(id, userID string, sendQueueSize int) *Channel {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Channel{
		ID:     id,
		UserID: userID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
		joined: make(map[string]struct{}),
	}
}

// Done returns a channel that is closed when the connection is shutting down.
func (c *Channel) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the connection goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Channel) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Channel) trackJoin(conversationID string) {
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	c.mu.Unlock()
}

func (c *Channel) trackLeave(conversationID string) {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()
}

func (c *Channel) joinedConversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}

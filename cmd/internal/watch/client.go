package watch

import "sync"

// Client is one connected watcher.
//
// It holds at most one pending state version. Watchers only need to know
// the state moved, so a slow one skips straight to the newest version
// instead of replaying every step. Close is idempotent.
type Client struct {
	ID string

	mu      sync.Mutex
	pending uint64
	hasNext bool
	last    uint64 // last version handed to Take
	taken   bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with an empty slot.
func NewClient(id string) *Client {
	return &Client{
		ID:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Offer stores version unless a newer or equal one is already pending or
// was already taken. It reports whether the slot changed and never blocks.
func (c *Client) Offer(version uint64) bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	if (c.taken && version <= c.last) || (c.hasNext && version <= c.pending) {
		c.mu.Unlock()
		return false
	}
	c.pending, c.hasNext = version, true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Take empties the slot and returns its version.
func (c *Client) Take() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasNext {
		return 0, false
	}
	c.hasNext = false
	c.last, c.taken = c.pending, true
	return c.pending, true
}

// Wake is signaled after Offer fills the slot.
func (c *Client) Wake() <-chan struct{} { return c.wake }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

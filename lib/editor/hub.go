package editor

import (
	"sync"
)

// sendQueueSize bounds the per-client outbound queue; a slow client drops
// broadcasts rather than blocking mutations for everyone else.
const sendQueueSize = 64

// client is one WebSocket attached to a container group.
type client struct {
	send chan any
	done chan struct{}
	once sync.Once
}

func newClient() *client {
	return &client{
		send: make(chan any, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue offers a message without ever blocking.
func (c *client) enqueue(msg any) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Queue full: the client is too slow, drop the broadcast. The next
		// read_file returns the authoritative rev anyway.
	}
}

// Hub fans mutations out to every client in the same container group.
type Hub struct {
	mu     sync.Mutex
	groups map[string]map[*client]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[*client]bool)}
}

func (h *Hub) register(containerID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[containerID]
	if !ok {
		group = make(map[*client]bool)
		h.groups[containerID] = group
	}
	group[c] = true
}

func (h *Hub) unregister(containerID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if group, ok := h.groups[containerID]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.groups, containerID)
		}
	}
	c.close()
}

// broadcast delivers msg to every client in the group, the originator
// included.
func (h *Hub) broadcast(containerID string, msg Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.groups[containerID] {
		c.enqueue(msg)
	}
}

// groupSize reports the number of attached clients (test helper).
func (h *Hub) groupSize(containerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[containerID])
}

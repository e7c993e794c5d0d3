package relay

import (
	"context"
	"sync"
)

// mailboxLimit caps envelopes kept for a topic nobody is subscribed to.
const mailboxLimit = 256

// Hub is an in-process relay. Envelopes published to a topic without subscribers are held
// until someone subscribes.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Conn]struct{}
	mailbox map[string][]Envelope
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Conn]struct{}), mailbox: make(map[string][]Envelope)}
}

// Connect attaches a new client connection.
func (h *Hub) Connect() *Conn {
	c := &Conn{
		hub:    h,
		out:    make(chan Envelope),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
	go c.pump()
	return c
}

func (h *Hub) publish(from *Conn, topic string, payload []byte) {
	env := Envelope{Topic: topic, Payload: append([]byte(nil), payload...)}
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := false
	for c := range h.subs[topic] {
		if c == from {
			continue
		}
		c.enqueue(env)
		delivered = true
	}
	if !delivered {
		box := append(h.mailbox[topic], env)
		if len(box) > mailboxLimit {
			box = box[len(box)-mailboxLimit:]
		}
		h.mailbox[topic] = box
	}
}

func (h *Hub) subscribe(c *Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Conn]struct{})
	}
	h.subs[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
	for _, env := range h.mailbox[topic] {
		c.enqueue(env)
	}
	delete(h.mailbox, topic)
}

func (h *Hub) unsubscribe(c *Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(c, topic)
}

func (h *Hub) detach(c *Conn, topic string) {
	delete(c.topics, topic)
	if s := h.subs[topic]; s != nil {
		delete(s, c)
		if len(s) == 0 {
			delete(h.subs, topic)
		}
	}
}

// Conn is one client attachment to a Hub.
type Conn struct {
	hub    *Hub
	out    chan Envelope
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	topics map[string]struct{} // guarded by hub.mu

	mu    sync.Mutex
	queue []Envelope
}

var _ Relay = (*Conn)(nil)

func (c *Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.hub.publish(c, topic, payload)
	return nil
}

func (c *Conn) Subscribe(ctx context.Context, topic string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.hub.subscribe(c, topic)
	return nil
}

func (c *Conn) Unsubscribe(ctx context.Context, topic string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.hub.unsubscribe(c, topic)
	return nil
}

func (c *Conn) Messages() <-chan Envelope { return c.out }

// Close detaches the connection; Messages is closed afterwards.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		for topic := range c.topics {
			c.hub.detach(c, topic)
		}
		c.hub.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
		return nil
	}
}

func (c *Conn) enqueue(env Envelope) {
	c.mu.Lock()
	c.queue = append(c.queue, env)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump moves queued envelopes to out so publishers never block on slow readers.
func (c *Conn) pump() {
	defer close(c.out)
	for {
		c.mu.Lock()
		q := c.queue
		c.queue = nil
		c.mu.Unlock()
		for _, env := range q {
			select {
			case c.out <- env:
			case <-c.done:
				return
			}
		}
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
	}
}

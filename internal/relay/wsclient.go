package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	callTimeout  = 10 * time.Second
	pingInterval = 30 * time.Second
)

// WSClient is a Relay over a websocket connection. Run keeps the connection alive and
// restores topic subscriptions after reconnecting.
type WSClient struct {
	url     string
	dialer  *websocket.Dialer
	log     *zap.Logger
	backoff func() retry.Backoff
	out     chan Envelope
	wake    chan struct{}
	nextID  atomic.Uint64

	qmu   sync.Mutex
	queue []Envelope

	mu      sync.Mutex
	conn    *websocket.Conn
	topics  map[string]struct{}
	pending map[uint64]chan frame

	writeMu sync.Mutex
}

var _ Relay = (*WSClient)(nil)

// NewWSClient returns a client for the relay at url; it does not dial.
func NewWSClient(url string, dialTimeout time.Duration, log *zap.Logger) *WSClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSClient{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: websocket.DefaultDialer.Proxy},
		log:    log.Named("relay"),
		backoff: func() retry.Backoff {
			return retry.WithCappedDuration(5*time.Second, retry.NewExponential(100*time.Millisecond))
		},
		out:     make(chan Envelope, 64),
		wake:    make(chan struct{}, 1),
		topics:  make(map[string]struct{}),
		pending: make(map[uint64]chan frame),
	}
}

// Connect dials the relay once.
func (c *WSClient) Connect(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
	return nil
}

// Run reads from the relay until ctx is done, reconnecting with backoff.
func (c *WSClient) Run(ctx context.Context) error {
	go c.pump(ctx)
	for {
		c.mu.Lock()
		ws := c.conn
		c.mu.Unlock()
		if ws == nil {
			err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
				if err := c.Connect(ctx); err != nil {
					c.log.Debug("dial failed", zap.Error(err))
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil {
				return nil
			}
			c.log.Info("relay connected", zap.String("url", c.url))
			continue
		}

		go c.resubscribe(ctx)
		err := c.readLoop(ctx, ws)
		c.drop(ws)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("relay connection lost", zap.Error(err))
	}
}

func (c *WSClient) readLoop(ctx context.Context, ws *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ws, done)

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		if f.Method == methodMessage {
			payload, err := base64.StdEncoding.DecodeString(f.Message)
			if err != nil {
				c.log.Debug("drop undecodable payload", zap.String("topic", f.Topic))
				continue
			}
			c.enqueue(Envelope{Topic: f.Topic, Payload: payload})
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (c *WSClient) enqueue(env Envelope) {
	c.qmu.Lock()
	c.queue = append(c.queue, env)
	c.qmu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump moves queued envelopes to out, so a slow consumer never stalls the read loop and
// call acks keep arriving.
func (c *WSClient) pump(ctx context.Context) {
	for {
		c.qmu.Lock()
		q := c.queue
		c.queue = nil
		c.qmu.Unlock()
		for _, env := range q {
			select {
			case c.out <- env:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (c *WSClient) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// drop forgets a dead connection and fails its in-flight calls.
func (c *WSClient) drop(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == ws {
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- frame{ID: id, Error: ErrNotConnected.Error()}
		delete(c.pending, id)
	}
}

func (c *WSClient) resubscribe(ctx context.Context) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	for _, t := range topics {
		if err := c.call(ctx, frame{Method: methodSubscribe, Topic: t}); err != nil {
			c.log.Warn("resubscribe failed", zap.String("topic", t), zap.Error(err))
			return
		}
	}
}

func (c *WSClient) call(ctx context.Context, f frame) error {
	c.mu.Lock()
	ws := c.conn
	if ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	f.ID = c.nextID.Add(1)
	ch := make(chan frame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(f.ID)
		return err
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if ack.Error == ErrNotConnected.Error() {
			return ErrNotConnected
		}
		if ack.Error != "" {
			return errors.New(ack.Error)
		}
		return nil
	case <-timer.C:
		c.forget(f.ID)
		return errors.New("relay: call timed out")
	case <-ctx.Done():
		c.forget(f.ID)
		return ctx.Err()
	}
}

func (c *WSClient) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *WSClient) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.call(ctx, frame{Method: methodPublish, Topic: topic, Message: base64.StdEncoding.EncodeToString(payload)})
}

// Subscribe remembers topic for reconnects. A subscription made while disconnected takes
// effect once the connection is restored.
func (c *WSClient) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	err := c.call(ctx, frame{Method: methodSubscribe, Topic: topic})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *WSClient) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	err := c.call(ctx, frame{Method: methodUnsubscribe, Topic: topic})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *WSClient) Messages() <-chan Envelope { return c.out }

// Package relay moves opaque envelopes between parties over topics.
package relay

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by calls issued while the transport is down.
var ErrNotConnected = errors.New("relay: not connected")

// Envelope is a raw encrypted payload received on a topic.
type Envelope struct {
	Topic   string
	Payload []byte
}

// Relay is the publish/subscribe transport. Delivery is at-least-once and unordered
// across topics.
type Relay interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	// Messages streams envelopes of every subscribed topic.
	Messages() <-chan Envelope
}

// Frame methods of the websocket protocol.
const (
	methodPublish     = "publish"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodMessage     = "message"
)

// frame is a websocket protocol message. Calls carry an id acknowledged by a frame with the
// same id and either OK or Error set. Payloads travel base64 encoded.
type frame struct {
	ID      uint64 `json:"id,omitempty"`
	Method  string `json:"method,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
}

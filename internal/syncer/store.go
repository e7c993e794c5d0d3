// Package syncer keeps subscriptions and messages consistent across the devices of one
// subscriber through a shared synchronized store.
package syncer

import (
	"context"
	"encoding/json"
	"strings"
)

// Record key prefixes.
const (
	prefixSubscription = "sub/"
	prefixMessage      = "msg/"
)

// Record is one replicated delta: the full state of a subscription or a message as a
// device last wrote it.
type Record struct {
	Key    string `json:"key"`
	Device string `json:"device"`
	TS     int64  `json:"ts"`
	Data   json.RawMessage `json:"data"`
}

// field is where a record lives inside an account's shared state. Every device keeps its
// own copy of a key so that concurrent writers never overwrite each other.
func (r Record) field() string { return r.Key + "@" + r.Device }

func (r Record) isSubscription() bool { return strings.HasPrefix(r.Key, prefixSubscription) }

func (r Record) isMessage() bool { return strings.HasPrefix(r.Key, prefixMessage) }

// SyncStore is the transport shared by the devices of an account.
type SyncStore interface {
	// Put stores rec and announces it to watchers of account.
	Put(ctx context.Context, account string, rec Record) error
	// Snapshot returns every record stored for account.
	Snapshot(ctx context.Context, account string) ([]Record, error)
	// Watch streams records put for account from now on, until ctx is done.
	Watch(ctx context.Context, account string) (<-chan Record, error)
}

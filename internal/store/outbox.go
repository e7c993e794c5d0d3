package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/repository"
)

// outbox is a durable queue of deltas awaiting propagation to sibling devices. Entries are
// keyed, so repeated mutations of one record coalesce into its latest state.
type outbox struct {
	kv     repository.KV
	prefix string
	ready  chan struct{}
}

func newOutbox(kv repository.KV, prefix string) *outbox {
	return &outbox{kv: kv, prefix: prefix, ready: make(chan struct{}, 1)}
}

func (o *outbox) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := o.kv.Set(ctx, o.prefix+key, raw); err != nil {
		return errs.Storage("enqueue", o.prefix+key, err)
	}
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) get(ctx context.Context, key string) ([]byte, error) {
	raw, err := o.kv.Get(ctx, o.prefix+key)
	return raw, errs.Storage("get", o.prefix+key, err)
}

func (o *outbox) list(ctx context.Context) (map[string][]byte, error) {
	all, err := o.kv.List(ctx, o.prefix)
	if err != nil {
		return nil, errs.Storage("list", o.prefix, err)
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[strings.TrimPrefix(k, o.prefix)] = v
	}
	return out, nil
}

func (o *outbox) remove(ctx context.Context, key string) error {
	return errs.Storage("dequeue", o.prefix+key, o.kv.Remove(ctx, o.prefix+key))
}

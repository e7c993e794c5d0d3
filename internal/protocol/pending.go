package protocol

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
)

// responseHandler verifies and applies a correlated response. Returning an error wrapping
// errs.ErrSignatureVerification leaves the request pending.
type responseHandler func(ctx context.Context, topic string, m *Message) (any, error)

type outcome struct {
	val any
	err error
}

type pendingKey struct {
	topic string
	kind  model.RequestKind
}

type pending struct {
	req    model.PendingRequest
	handle responseHandler
	// release frees what the request holds on this device; it runs once the request is
	// answered or its late window ends.
	release   func(ctx context.Context)
	done      chan outcome
	lateUntil time.Time
}

func (p *pending) free(ctx context.Context) {
	if p.release != nil {
		p.release(ctx)
	}
}

// registry holds in-flight requests and, for a grace period, requests whose caller gave up
// so that a late response can still be applied.
type registry struct {
	mu    sync.Mutex
	byID  map[string]*pending
	byKey map[pendingKey]string
	late  map[string]*pending
}

func newRegistry() *registry {
	return &registry{
		byID:  make(map[string]*pending),
		byKey: make(map[pendingKey]string),
		late:  make(map[string]*pending),
	}
}

func (r *registry) add(p *pending) error {
	k := pendingKey{p.req.Topic, p.req.Kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.byKey[k]; busy {
		return &errs.DuplicateRequestError{Topic: p.req.Topic, Kind: string(p.req.Kind)}
	}
	r.byKey[k] = p.req.ID
	r.byID[p.req.ID] = p
	return nil
}

func (r *registry) get(id string) (*pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[id]; ok {
		return p, true
	}
	p, ok := r.late[id]
	return p, ok
}

func (r *registry) detach(id string) (*pending, bool) {
	p, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.byKey, pendingKey{p.req.Topic, p.req.Kind})
	return p, true
}

// remove drops a request that never made it to the relay.
func (r *registry) remove(id string) {
	r.mu.Lock()
	r.detach(id)
	r.mu.Unlock()
}

// complete finishes a request with its outcome; false if it was already finished.
func (r *registry) complete(id string, out outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.detach(id); ok {
		p.done <- out
		return true
	}
	if _, ok := r.late[id]; ok {
		delete(r.late, id)
		return true
	}
	return false
}

// expire releases the (topic, kind) slot of a request whose caller stopped waiting. False
// means the request completed meanwhile.
func (r *registry) expire(id string, until time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.detach(id)
	if !ok {
		return false
	}
	p.lateUntil = until
	r.late[id] = p
	return true
}

// prune drops late requests whose window ended and returns them so their resources can be
// released.
func (r *registry) prune(now time.Time) []*pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []*pending
	for id, p := range r.late {
		if now.After(p.lateUntil) {
			delete(r.late, id)
			dropped = append(dropped, p)
		}
	}
	return dropped
}

func (r *registry) snapshot() []model.PendingRequest {
	r.mu.Lock()
	out := make([]model.PendingRequest, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p.req)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

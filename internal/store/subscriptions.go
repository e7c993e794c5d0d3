package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/and161185/goph-notify/internal/clock"
	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/repository"
	"go.uber.org/zap"
)

const (
	subscriptionPrefix = "subscriptions/"
	subOutboxPrefix    = "sync/outbox/"
)

// MergeFunc computes the record to store from the local one (nil when absent). ok=false
// leaves the store untouched.
type MergeFunc func(local *model.Subscription) (merged model.Subscription, ok bool)

// SubscriptionStore defines the topic → subscription mapping shared by protocol and sync.
type SubscriptionStore interface {
	// Upsert writes a locally originated record, stamping changed field-sets with a fresh
	// logical timestamp, and queues it for propagation.
	Upsert(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	// Get returns a live subscription.
	Get(ctx context.Context, topic string) (model.Subscription, error)
	// GetAll returns live subscriptions of account, or of every account when empty.
	GetAll(ctx context.Context, account string) ([]model.Subscription, error)
	// Remove tombstones topic; false when there was nothing live to remove.
	Remove(ctx context.Context, topic string) (bool, error)
	// ApplyRemote merges a sync-originated record under the topic's critical section.
	ApplyRemote(ctx context.Context, topic string, silent bool, merge MergeFunc) (model.Subscription, bool, error)
	// Changes streams added/updated/removed notifications until ctx is done.
	Changes(ctx context.Context) <-chan model.Change
	// Outbox returns records queued for propagation.
	Outbox(ctx context.Context) ([]model.Subscription, error)
	// Ack drops a propagated record unless a newer one was queued meanwhile.
	Ack(ctx context.Context, rec model.Subscription) error
	// OutboxReady fires after something was queued.
	OutboxReady() <-chan struct{}
}

type SubscriptionStoreImpl struct {
	kv     repository.KV
	clock  *clock.Clock
	locks  keyedMutex
	feed   feed
	outbox *outbox
	log    *zap.Logger
}

var _ SubscriptionStore = (*SubscriptionStoreImpl)(nil)

// NewSubscriptionStore constructs the store over kv.
func NewSubscriptionStore(kv repository.KV, clk *clock.Clock, log *zap.Logger) *SubscriptionStoreImpl {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("subscriptions")
	return &SubscriptionStoreImpl{
		kv:     kv,
		clock:  clk,
		feed:   feed{log: log},
		outbox: newOutbox(kv, subOutboxPrefix),
		log:    log,
	}
}

func (s *SubscriptionStoreImpl) load(ctx context.Context, topic string) (*model.Subscription, error) {
	raw, err := s.kv.Get(ctx, subscriptionPrefix+topic)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("get", subscriptionPrefix+topic, err)
	}
	var sub model.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, errs.Storage("decode", subscriptionPrefix+topic, err)
	}
	return &sub, nil
}

func (s *SubscriptionStoreImpl) write(ctx context.Context, sub model.Subscription, enqueue bool) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, subscriptionPrefix+sub.Topic, raw); err != nil {
		return errs.Storage("set", subscriptionPrefix+sub.Topic, err)
	}
	if enqueue {
		return s.outbox.put(ctx, sub.Topic, sub)
	}
	return nil
}

func (s *SubscriptionStoreImpl) Upsert(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if sub.Topic == "" {
		return model.Subscription{}, errors.New("validation: empty topic")
	}
	unlock := s.locks.lock(sub.Topic)
	defer unlock()

	prev, err := s.load(ctx, sub.Topic)
	if err != nil {
		return model.Subscription{}, err
	}
	if prev != nil && prev.Deleted() {
		prev = nil
	}
	next := s.stamp(prev, sub)
	if err := s.write(ctx, next, true); err != nil {
		return model.Subscription{}, err
	}
	s.notify(prev, &next, false)
	return next.Clone(), nil
}

// stamp gives every field-set that differs from prev a new logical timestamp.
func (s *SubscriptionStoreImpl) stamp(prev *model.Subscription, sub model.Subscription) model.Subscription {
	now := s.clock.Now()
	next := sub.Clone()
	next.DeletedTS = 0
	next.MetaTS = now
	if prev != nil && sameMeta(*prev, next) {
		next.MetaTS = prev.MetaTS
	}
	for name, t := range next.Scope {
		t.Name = name
		t.TS = now
		if prev != nil {
			if p, ok := prev.Scope[name]; ok && p.Enabled == t.Enabled && p.Description == t.Description {
				t.TS = p.TS
			}
		}
		next.Scope[name] = t
	}
	return next
}

func sameMeta(a, b model.Subscription) bool {
	return a.Account == b.Account &&
		a.AppDomain == b.AppDomain &&
		a.AppAuthKey == b.AppAuthKey &&
		a.SymKey == b.SymKey &&
		a.Expiry.Equal(b.Expiry) &&
		a.Metadata.Name == b.Metadata.Name &&
		a.Metadata.Description == b.Metadata.Description &&
		a.Metadata.URL == b.Metadata.URL &&
		slices.Equal(a.Metadata.Icons, b.Metadata.Icons)
}

func (s *SubscriptionStoreImpl) Get(ctx context.Context, topic string) (model.Subscription, error) {
	sub, err := s.load(ctx, topic)
	if err != nil {
		return model.Subscription{}, err
	}
	if sub == nil || sub.Deleted() {
		return model.Subscription{}, fmt.Errorf("subscription %s: %w", topic, errs.ErrNotFound)
	}
	return *sub, nil
}

func (s *SubscriptionStoreImpl) GetAll(ctx context.Context, account string) ([]model.Subscription, error) {
	all, err := s.kv.List(ctx, subscriptionPrefix)
	if err != nil {
		return nil, errs.Storage("list", subscriptionPrefix, err)
	}
	out := make([]model.Subscription, 0, len(all))
	for key, raw := range all {
		var sub model.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			s.log.Warn("skip undecodable subscription", zap.String("key", key), zap.Error(err))
			continue
		}
		if sub.Deleted() || (account != "" && sub.Account != account) {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppDomain != out[j].AppDomain {
			return out[i].AppDomain < out[j].AppDomain
		}
		return out[i].Topic < out[j].Topic
	})
	return out, nil
}

func (s *SubscriptionStoreImpl) Remove(ctx context.Context, topic string) (bool, error) {
	unlock := s.locks.lock(topic)
	defer unlock()

	prev, err := s.load(ctx, topic)
	if err != nil {
		return false, err
	}
	if prev == nil || prev.Deleted() {
		return false, nil
	}
	tomb := prev.Clone()
	tomb.DeletedTS = s.clock.Now()
	if err := s.write(ctx, tomb, true); err != nil {
		return false, err
	}
	s.notify(prev, &tomb, false)
	return true, nil
}

func (s *SubscriptionStoreImpl) ApplyRemote(ctx context.Context, topic string, silent bool, merge MergeFunc) (model.Subscription, bool, error) {
	unlock := s.locks.lock(topic)
	defer unlock()

	prev, err := s.load(ctx, topic)
	if err != nil {
		return model.Subscription{}, false, err
	}
	var local *model.Subscription
	if prev != nil {
		c := prev.Clone()
		local = &c
	}
	next, ok := merge(local)
	if !ok {
		return model.Subscription{}, false, nil
	}
	next.Topic = topic
	s.clock.Observe(next.LatestTS())
	if err := s.write(ctx, next, false); err != nil {
		return model.Subscription{}, false, err
	}
	s.notify(prev, &next, silent)
	return next.Clone(), true, nil
}

// notify publishes the change between two versions of a record.
func (s *SubscriptionStoreImpl) notify(prev, next *model.Subscription, silent bool) {
	wasLive := prev != nil && !prev.Deleted()
	isLive := next != nil && !next.Deleted()
	switch {
	case !wasLive && isLive:
		if !silent {
			s.feed.publish(model.Change{Kind: model.ChangeAdded, Subscription: next.Clone()})
		}
	case wasLive && isLive:
		s.feed.publish(model.Change{Kind: model.ChangeUpdated, Subscription: next.Clone()})
	case wasLive && !isLive:
		s.feed.publish(model.Change{Kind: model.ChangeRemoved, Subscription: prev.Clone()})
	}
}

func (s *SubscriptionStoreImpl) Changes(ctx context.Context) <-chan model.Change {
	return s.feed.subscribe(ctx)
}

func (s *SubscriptionStoreImpl) Outbox(ctx context.Context) ([]model.Subscription, error) {
	all, err := s.outbox.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Subscription, 0, len(all))
	for topic, raw := range all {
		var sub model.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			s.log.Warn("drop undecodable outbox entry", zap.String("topic", topic), zap.Error(err))
			_ = s.outbox.remove(ctx, topic)
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LatestTS() < out[j].LatestTS() })
	return out, nil
}

func (s *SubscriptionStoreImpl) Ack(ctx context.Context, rec model.Subscription) error {
	unlock := s.locks.lock(rec.Topic)
	defer unlock()

	raw, err := s.outbox.get(ctx, rec.Topic)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var queued model.Subscription
	if err := json.Unmarshal(raw, &queued); err == nil && queued.LatestTS() > rec.LatestTS() {
		return nil
	}
	return s.outbox.remove(ctx, rec.Topic)
}

func (s *SubscriptionStoreImpl) OutboxReady() <-chan struct{} { return s.outbox.ready }

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/repository"
	"github.com/and161185/goph-notify/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	deviceKey       = "device/id"
	coldStartPrefix = "coldstart/"
)

var errWatchClosed = errors.New("sync watch closed")

// Topics is the part of the protocol engine that follows subscription lifecycles driven by
// sibling devices.
type Topics interface {
	AdoptTopic(ctx context.Context, sub model.Subscription) error
	ForgetTopic(ctx context.Context, topic string)
}

// TypesResolver returns what a publisher currently offers.
type TypesResolver interface {
	Resolve(ctx context.Context, domain string) (identity.Dapp, error)
}

// Deps are the collaborators of the service. Resolver may be nil, in which case merged
// scopes are not narrowed to the offered types.
type Deps struct {
	Store    SyncStore
	Subs     store.SubscriptionStore
	Messages store.MessageStore
	Topics   Topics
	Resolver TypesResolver
	KV       repository.KV
}

// Config tunes the service.
type Config struct {
	// Device identifies this replica; generated and persisted when empty.
	Device string
	// FlushInterval retries propagation of queued records.
	FlushInterval time.Duration
}

// Service propagates local changes to the sync store and applies changes made by sibling
// devices of the followed accounts.
type Service struct {
	d      Deps
	device string
	flush  time.Duration
	log    *zap.Logger

	mu       sync.Mutex
	followed map[string]context.CancelFunc
	start    func(account string) context.CancelFunc
}

// New wires a service.
func New(ctx context.Context, d Deps, cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	device := cfg.Device
	if device == "" {
		var err error
		if device, err = loadDevice(ctx, d.KV); err != nil {
			return nil, err
		}
	}
	return &Service{
		d:        d,
		device:   device,
		flush:    cfg.FlushInterval,
		log:      log.Named("sync").With(zap.String("device", device)),
		followed: make(map[string]context.CancelFunc),
	}, nil
}

func loadDevice(ctx context.Context, kv repository.KV) (string, error) {
	b, err := kv.Get(ctx, deviceKey)
	if err == nil {
		return string(b), nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return "", errs.Storage("get", deviceKey, err)
	}
	id := uuid.Must(uuid.NewV4()).String()
	if err := kv.Set(ctx, deviceKey, []byte(id)); err != nil {
		return "", errs.Storage("set", deviceKey, err)
	}
	return id, nil
}

// Device returns this replica's id.
func (s *Service) Device() string { return s.device }

// Follow starts applying the sync state of account. Safe to call before Run.
func (s *Service) Follow(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.followed[account]; ok {
		return
	}
	s.followed[account] = func() {}
	if s.start != nil {
		s.followed[account] = s.start(account)
	}
}

// Unfollow stops applying the sync state of account.
func (s *Service) Unfollow(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.followed[account]; ok {
		cancel()
		delete(s.followed, account)
	}
}

// Run drains the outboxes and follows accounts until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.start = func(account string) context.CancelFunc {
		fctx, cancel := context.WithCancel(ctx)
		g.Go(func() error { return s.follow(fctx, account) })
		return cancel
	}
	for account := range s.followed {
		s.followed[account] = s.start(account)
	}
	s.mu.Unlock()

	g.Go(func() error { return s.drain(ctx) })
	err := g.Wait()

	s.mu.Lock()
	s.start = nil
	s.mu.Unlock()
	return err
}

func (s *Service) drain(ctx context.Context) error {
	tick := time.NewTicker(s.flush)
	defer tick.Stop()
	for {
		s.Flush(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-s.d.Subs.OutboxReady():
		case <-s.d.Messages.OutboxReady():
		case <-tick.C:
		}
	}
}

// Flush publishes queued local changes. A record stays queued until the sync store
// accepted it.
func (s *Service) Flush(ctx context.Context) {
	subs, err := s.d.Subs.Outbox(ctx)
	if err != nil {
		s.log.Warn("read subscription outbox", zap.Error(err))
		return
	}
	for _, sub := range subs {
		rec, err := s.record(prefixSubscription+sub.Topic, sub.LatestTS(), sub)
		if err != nil {
			s.log.Error("encode subscription", zap.String("topic", sub.Topic), zap.Error(err))
			continue
		}
		if err := s.d.Store.Put(ctx, sub.Account, rec); err != nil {
			s.log.Warn("propagate subscription", zap.String("topic", sub.Topic), zap.Error(err))
			return
		}
		if err := s.d.Subs.Ack(ctx, sub); err != nil {
			s.log.Warn("ack subscription", zap.String("topic", sub.Topic), zap.Error(err))
		}
	}

	msgs, err := s.d.Messages.Outbox(ctx)
	if err != nil {
		s.log.Warn("read message outbox", zap.Error(err))
		return
	}
	for _, m := range msgs {
		sub, err := s.d.Subs.Get(ctx, m.Topic)
		if errors.Is(err, errs.ErrNotFound) {
			_ = s.d.Messages.Ack(ctx, m)
			continue
		}
		if err != nil {
			s.log.Warn("lookup message subscription", zap.String("topic", m.Topic), zap.Error(err))
			return
		}
		rec, err := s.record(messageKey(m.Topic, m.ID), m.PublishedAt.UnixMilli(), m)
		if err != nil {
			s.log.Error("encode message", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		if err := s.d.Store.Put(ctx, sub.Account, rec); err != nil {
			s.log.Warn("propagate message", zap.String("id", m.ID), zap.Error(err))
			return
		}
		if err := s.d.Messages.Ack(ctx, m); err != nil {
			s.log.Warn("ack message", zap.String("id", m.ID), zap.Error(err))
		}
	}
}

func messageKey(topic, id string) string {
	return prefixMessage + topic + "/" + url.PathEscape(id)
}

func (s *Service) record(key string, ts int64, v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: key, Device: s.device, TS: ts, Data: b}, nil
}

// follow keeps a watch session for account alive, reconnecting with backoff.
func (s *Service) follow(ctx context.Context, account string) error {
	backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
	for {
		started := time.Now()
		err := s.session(ctx, account)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			backoff = retry.WithCappedDuration(30*time.Second, retry.NewExponential(time.Second))
		}
		wait, _ := backoff.Next()
		s.log.Warn("sync session ended", zap.String("account", account), zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session subscribes to live changes first so nothing written during the catch-up is lost.
func (s *Service) session(ctx context.Context, account string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := s.d.Store.Watch(ctx, account)
	if err != nil {
		return err
	}
	if err := s.catchUp(ctx, account); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-changes:
			if !ok {
				return errWatchClosed
			}
			s.apply(ctx, rec, false)
		}
	}
}

// catchUp applies the whole sync state. The first catch-up of an account on this device
// is a cold start: it raises no added notifications.
func (s *Service) catchUp(ctx context.Context, account string) error {
	marker := coldStartPrefix + account
	_, err := s.d.KV.Get(ctx, marker)
	cold := errors.Is(err, errs.ErrNotFound)
	if err != nil && !cold {
		return errs.Storage("get", marker, err)
	}

	recs, err := s.d.Store.Snapshot(ctx, account)
	if err != nil {
		return err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		si, sj := recs[i].isSubscription(), recs[j].isSubscription()
		if si != sj {
			return si
		}
		return recs[i].TS < recs[j].TS
	})
	for _, rec := range recs {
		s.apply(ctx, rec, cold)
	}
	s.log.Info("caught up", zap.String("account", account), zap.Int("records", len(recs)), zap.Bool("cold", cold))

	if cold {
		if err := s.d.KV.Set(ctx, marker, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
			return errs.Storage("set", marker, err)
		}
	}
	return nil
}

func (s *Service) apply(ctx context.Context, rec Record, silent bool) {
	if rec.Device == s.device {
		return
	}
	var err error
	switch {
	case rec.isSubscription():
		err = s.applySubscription(ctx, rec, silent)
	case rec.isMessage():
		err = s.applyMessage(ctx, rec)
	default:
		s.log.Debug("ignore record", zap.String("key", rec.Key))
		return
	}
	if err != nil {
		s.log.Warn("apply record", zap.String("key", rec.Key), zap.String("from", rec.Device), zap.Error(err))
	}
}

func (s *Service) applySubscription(ctx context.Context, rec Record, silent bool) error {
	var remote model.Subscription
	if err := json.Unmarshal(rec.Data, &remote); err != nil {
		return err
	}
	topic := strings.TrimPrefix(rec.Key, prefixSubscription)
	if remote.Topic != topic {
		return fmt.Errorf("record topic %q does not match key", remote.Topic)
	}
	offered := s.offered(ctx, remote)

	var wasLive bool
	merged, changed, err := s.d.Subs.ApplyRemote(ctx, topic, silent, func(local *model.Subscription) (model.Subscription, bool) {
		if local == nil {
			return Merge(remote, remote, offered), true
		}
		wasLive = !local.Deleted()
		m := Merge(*local, remote, offered)
		return m, !sameRecord(m, *local)
	})
	if err != nil || !changed {
		return err
	}

	switch {
	case merged.Deleted() && wasLive:
		if _, err := s.d.Messages.RemoveAll(ctx, topic); err != nil {
			return err
		}
		s.d.Topics.ForgetTopic(ctx, topic)
		s.log.Debug("subscription removed remotely", zap.String("topic", topic))
	case !merged.Deleted() && !wasLive:
		if err := s.d.Topics.AdoptTopic(ctx, merged); err != nil {
			return err
		}
		s.log.Debug("subscription adopted", zap.String("topic", topic))
	}
	return nil
}

// offered returns the publisher's current types, or nil when unknown.
func (s *Service) offered(ctx context.Context, sub model.Subscription) []model.ScopeType {
	if s.d.Resolver == nil || sub.Deleted() {
		return nil
	}
	dapp, err := s.d.Resolver.Resolve(ctx, sub.AppDomain)
	if err != nil {
		s.log.Debug("offered types unknown", zap.String("domain", sub.AppDomain), zap.Error(err))
		return nil
	}
	return dapp.Types
}

func (s *Service) applyMessage(ctx context.Context, rec Record) error {
	var m model.NotifyMessage
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		return err
	}
	if _, err := s.d.Subs.Get(ctx, m.Topic); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := s.d.Messages.ApplyRemote(ctx, m)
	return err
}

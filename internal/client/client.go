// Package client is the consumer facing notify client: identity registration, the
// subscription lifecycle, message history and a change stream, with the protocol engine,
// multi-device sync and the auto-updater running underneath.
package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/kms"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/protocol"
	"github.com/and161185/goph-notify/internal/relay"
	"github.com/and161185/goph-notify/internal/repository"
	"github.com/and161185/goph-notify/internal/scheduler"
	"github.com/and161185/goph-notify/internal/store"
	"github.com/and161185/goph-notify/internal/syncer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const accountPrefix = "accounts/"

// Registrar binds identity keys to accounts on the keyserver.
type Registrar interface {
	URL() string
	Register(ctx context.Context, account string, pub ed25519.PublicKey) error
	Unregister(ctx context.Context, pub ed25519.PublicKey) error
}

var _ Registrar = (*identity.Keyserver)(nil)

// runner is a relay transport that needs its own connection loop.
type runner interface {
	Run(ctx context.Context) error
}

// Client is safe for concurrent use.
type Client struct {
	kv     repository.KV
	kms    *kms.Service
	keys   Registrar
	relay  relay.Relay
	subs   store.SubscriptionStore
	msgs   store.MessageStore
	engine *protocol.Engine
	sync   *syncer.Service
	auto   *scheduler.AutoUpdater
	log    *zap.Logger
	now    func() time.Time
}

// Register creates (or reuses) the identity key of account and publishes it to the
// keyserver. Returns the key as did:key.
func (c *Client) Register(ctx context.Context, account string) (string, error) {
	if account == "" {
		return "", errors.New("validation: empty account")
	}
	pub, err := c.kms.IdentityPublicKey(ctx, account)
	if errors.Is(err, errs.ErrNotFound) {
		pub, err = c.kms.CreateIdentityKey(ctx, account)
	}
	if err != nil {
		return "", err
	}
	if err := c.keys.Register(ctx, account, pub); err != nil {
		return "", err
	}
	did := identity.EncodeDIDKey(pub)
	if err := c.kv.Set(ctx, accountPrefix+account, []byte(did)); err != nil {
		return "", errs.Storage("set", accountPrefix+account, err)
	}
	c.sync.Follow(account)
	c.log.Info("account registered", zap.String("account", account), zap.String("identity", did))
	return did, nil
}

// Unregister revokes the identity key of account and stops syncing it.
func (c *Client) Unregister(ctx context.Context, account string) error {
	pub, err := c.kms.IdentityPublicKey(ctx, account)
	if err != nil {
		return err
	}
	if err := c.keys.Unregister(ctx, pub); err != nil {
		return err
	}
	if err := c.kms.DeleteIdentityKey(ctx, account); err != nil {
		return err
	}
	if err := c.kv.Remove(ctx, accountPrefix+account); err != nil {
		return errs.Storage("remove", accountPrefix+account, err)
	}
	c.sync.Unfollow(account)
	c.log.Info("account unregistered", zap.String("account", account))
	return nil
}

// Accounts lists the registered accounts.
func (c *Client) Accounts(ctx context.Context) ([]string, error) {
	all, err := c.kv.List(ctx, accountPrefix)
	if err != nil {
		return nil, errs.Storage("list", accountPrefix, err)
	}
	out := make([]string, 0, len(all))
	for k := range all {
		out = append(out, strings.TrimPrefix(k, accountPrefix))
	}
	sort.Strings(out)
	return out, nil
}

// Subscribe subscribes account to the publisher at appDomain. A nil scope enables every
// offered type.
func (c *Client) Subscribe(ctx context.Context, appDomain, account string, scope []string) (model.Subscription, error) {
	return c.engine.Subscribe(ctx, appDomain, account, scope)
}

// Update replaces the enabled scope of a subscription.
func (c *Client) Update(ctx context.Context, topic string, scope []string) (model.Subscription, error) {
	return c.engine.Update(ctx, topic, scope)
}

// Delete removes a subscription. Deleting one that is already gone succeeds.
func (c *Client) Delete(ctx context.Context, topic string) error {
	err := c.engine.Delete(ctx, topic)
	if errors.Is(err, errs.ErrNotFound) {
		c.log.Debug("delete of absent subscription", zap.String("topic", topic))
		return nil
	}
	return err
}

// GetActiveSubscriptions returns unexpired subscriptions of account, or of every account
// when empty.
func (c *Client) GetActiveSubscriptions(ctx context.Context, account string) ([]model.Subscription, error) {
	all, err := c.subs.GetAll(ctx, account)
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := all[:0]
	for _, s := range all {
		if !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetMessages returns the message history of a subscription.
func (c *Client) GetMessages(ctx context.Context, topic string) ([]model.NotifyMessage, error) {
	if _, err := c.subs.Get(ctx, topic); err != nil {
		return nil, err
	}
	return c.msgs.GetAll(ctx, topic)
}

// SubscriptionsChanged streams subscription changes until ctx is done.
func (c *Client) SubscriptionsChanged(ctx context.Context) <-chan model.Change {
	return c.subs.Changes(ctx)
}

// Pending lists in-flight requests.
func (c *Client) Pending() []model.PendingRequest { return c.engine.Pending() }

// Device returns this install's sync device id.
func (c *Client) Device() string { return c.sync.Device() }

// Run drives the relay connection, inbound dispatch, sync and the auto-updater until ctx
// is done or one of them fails.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if r, ok := c.relay.(runner); ok {
		g.Go(func() error { return r.Run(ctx) })
	}
	g.Go(func() error { return c.engine.Run(ctx) })
	g.Go(func() error { return c.sync.Run(ctx) })
	g.Go(func() error { return c.auto.Run(ctx) })
	return g.Wait()
}

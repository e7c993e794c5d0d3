// Package scheduler periodically re-asserts subscription scopes against what publishers
// currently offer, replaces subscriptions whose topic went stale and drops subscriptions
// that expired.
package scheduler

import (
	"context"
	"time"

	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/limiter"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/protocol"
	"github.com/and161185/goph-notify/internal/store"
	"go.uber.org/zap"
)

// Engine is the part of the protocol engine the scheduler drives.
type Engine interface {
	UpdateOffered(ctx context.Context, topic string, offered []model.ScopeType, enabled []string) (model.Subscription, error)
	Resubscribe(ctx context.Context, topic string) (model.Subscription, error)
	Expire(ctx context.Context, topic string) error
}

// Resolver fetches publisher documents bypassing any cache.
type Resolver interface {
	ResolveFresh(ctx context.Context, domain string) (identity.Dapp, error)
}

// Config tunes the auto-updater.
type Config struct {
	Interval time.Duration
	// RenewBefore re-asserts a subscription this long before it expires.
	RenewBefore time.Duration
}

// AutoUpdater is the recurring scope and topic health check.
type AutoUpdater struct {
	engine   Engine
	resolver Resolver
	subs     store.SubscriptionStore
	failures limiter.Limiter
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// NewAutoUpdater wires an auto-updater.
func NewAutoUpdater(engine Engine, resolver Resolver, subs store.SubscriptionStore, failures limiter.Limiter, cfg Config, log *zap.Logger) *AutoUpdater {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AutoUpdater{
		engine:   engine,
		resolver: resolver,
		subs:     subs,
		failures: failures,
		cfg:      cfg,
		log:      log.Named("scheduler"),
		now:      time.Now,
	}
}

// Run checks every subscription once per interval until ctx is done.
func (a *AutoUpdater) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce checks every live subscription. Failures are logged and retried on the next run.
func (a *AutoUpdater) RunOnce(ctx context.Context) {
	subs, err := a.subs.GetAll(ctx, "")
	if err != nil {
		a.log.Warn("list subscriptions", zap.Error(err))
		return
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		a.check(ctx, sub)
	}
}

func (a *AutoUpdater) check(ctx context.Context, sub model.Subscription) {
	log := a.log.With(zap.String("topic", sub.Topic), zap.String("domain", sub.AppDomain))

	if sub.Expired(a.now()) {
		if err := a.engine.Expire(ctx, sub.Topic); err != nil {
			log.Warn("remove expired subscription", zap.Error(err))
			return
		}
		log.Info("expired subscription removed", zap.Time("expiry", sub.Expiry))
		return
	}

	ok, err := a.failures.Allow(ctx, sub.Topic)
	if err != nil {
		log.Warn("read delivery state", zap.Error(err))
	} else if !ok {
		fresh, err := a.engine.Resubscribe(ctx, sub.Topic)
		if err != nil {
			log.Warn("resubscribe failed", zap.Error(err))
			return
		}
		log.Info("stale topic replaced", zap.String("new_topic", fresh.Topic))
		return
	}

	dapp, err := a.resolver.ResolveFresh(ctx, sub.AppDomain)
	if err != nil {
		log.Warn("resolve publisher", zap.Error(err))
		return
	}
	expiring := !sub.Expiry.IsZero() && sub.Expiry.Sub(a.now()) < a.cfg.RenewBefore
	if !scopeChanged(sub.Scope, dapp.Types) && !expiring {
		return
	}
	enabled := protocol.Intersect(sub.Scope.Enabled(), dapp.Types)
	if _, err := a.engine.UpdateOffered(ctx, sub.Topic, dapp.Types, enabled); err != nil {
		log.Warn("auto update failed", zap.Error(err))
		return
	}
	log.Info("scope re-asserted", zap.Strings("enabled", enabled), zap.Bool("renewed", expiring))
}

// scopeChanged reports whether the publisher's offer differs from the stored scope.
func scopeChanged(scope model.Scope, offered []model.ScopeType) bool {
	if !scope.SameTypes(offered) {
		return true
	}
	for _, t := range offered {
		if scope[t.Name].Description != t.Description {
			return true
		}
	}
	return false
}

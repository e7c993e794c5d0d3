package client

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/goph-notify/internal/clock"
	"github.com/and161185/goph-notify/internal/crypto/clientcrypto"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/kms"
	"github.com/and161185/goph-notify/internal/limiter"
	"github.com/and161185/goph-notify/internal/protocol"
	"github.com/and161185/goph-notify/internal/relay"
	"github.com/and161185/goph-notify/internal/repository"
	"github.com/and161185/goph-notify/internal/scheduler"
	"github.com/and161185/goph-notify/internal/store"
	"github.com/and161185/goph-notify/internal/syncer"
	"go.uber.org/zap"
)

// Builder assembles a Client. Storage, relay, keyserver and passphrase are required; the
// rest falls back to in-process defaults.
type Builder struct {
	kv         repository.KV
	relay      relay.Relay
	keys       Registrar
	passphrase []byte
	kdf        clientcrypto.KDFParams

	syncStore syncer.SyncStore
	failures  limiter.Limiter
	resolver  protocol.DappResolver
	fresh     scheduler.Resolver

	protocol  protocol.Config
	sync      syncer.Config
	scheduler scheduler.Config
	log       *zap.Logger
}

// NewBuilder starts a client over kv and r.
func NewBuilder(kv repository.KV, r relay.Relay) *Builder {
	return &Builder{kv: kv, relay: r, kdf: clientcrypto.DefaultKDF, log: zap.NewNop()}
}

// WithKeyserver sets the identity registry.
func (b *Builder) WithKeyserver(k Registrar) *Builder { b.keys = k; return b }

// WithPassphrase sets the keystore passphrase and key derivation cost.
func (b *Builder) WithPassphrase(p []byte, kdf clientcrypto.KDFParams) *Builder {
	b.passphrase, b.kdf = p, kdf
	return b
}

// WithSyncStore sets the store shared with sibling devices.
func (b *Builder) WithSyncStore(s syncer.SyncStore) *Builder { b.syncStore = s; return b }

// WithFailures sets the delivery failure tracker.
func (b *Builder) WithFailures(l limiter.Limiter) *Builder { b.failures = l; return b }

// WithResolver sets the publisher resolver.
func (b *Builder) WithResolver(r *identity.WebResolver) *Builder {
	b.resolver, b.fresh = r, r
	return b
}

// WithProtocol tunes the request engine.
func (b *Builder) WithProtocol(c protocol.Config) *Builder { b.protocol = c; return b }

// WithSync tunes the sync service.
func (b *Builder) WithSync(c syncer.Config) *Builder { b.sync = c; return b }

// WithScheduler tunes the auto-updater.
func (b *Builder) WithScheduler(c scheduler.Config) *Builder { b.scheduler = c; return b }

// WithLogger sets the logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	if l != nil {
		b.log = l
	}
	return b
}

// Build wires the components in dependency order and starts following registered accounts.
func (b *Builder) Build(ctx context.Context) (*Client, error) {
	switch {
	case b.kv == nil:
		return nil, errors.New("client: storage is required")
	case b.relay == nil:
		return nil, errors.New("client: relay is required")
	case b.keys == nil:
		return nil, errors.New("client: keyserver is required")
	case len(b.passphrase) == 0:
		return nil, errors.New("client: keystore passphrase is required")
	}

	keys, err := kms.Open(ctx, b.kv, b.passphrase, b.kdf)
	if err != nil {
		return nil, err
	}
	clk := clock.New()
	subs := store.NewSubscriptionStore(b.kv, clk, b.log)
	msgs := store.NewMessageStore(b.kv, b.log)

	if b.resolver == nil {
		r := identity.NewWebResolver(b.kv, b.log)
		b.resolver, b.fresh = r, r
	}
	if b.failures == nil {
		b.failures = limiter.NewMemory(10*time.Minute, 3)
	}
	if b.syncStore == nil {
		b.syncStore = syncer.NewMemoryStore()
	}
	cfg := b.protocol
	cfg.KeyserverURL = b.keys.URL()

	engine := protocol.NewEngine(protocol.Deps{
		KMS:      keys,
		Relay:    b.relay,
		Resolver: b.resolver,
		Subs:     subs,
		Messages: msgs,
		Failures: b.failures,
	}, cfg, b.log)

	sync, err := syncer.New(ctx, syncer.Deps{
		Store:    b.syncStore,
		Subs:     subs,
		Messages: msgs,
		Topics:   engine,
		Resolver: b.resolver,
		KV:       b.kv,
	}, b.sync, b.log)
	if err != nil {
		return nil, err
	}
	auto := scheduler.NewAutoUpdater(engine, b.fresh, subs, b.failures, b.scheduler, b.log)

	c := &Client{
		kv:     b.kv,
		kms:    keys,
		keys:   b.keys,
		relay:  b.relay,
		subs:   subs,
		msgs:   msgs,
		engine: engine,
		sync:   sync,
		auto:   auto,
		log:    b.log.Named("client"),
		now:    time.Now,
	}
	accounts, err := c.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		sync.Follow(a)
	}
	return c, nil
}

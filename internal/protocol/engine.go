// Package protocol implements the notify request/response flows on top of the relay:
// subscribe, update, delete and resubscribe requesters, inbound notification handling and
// correlation of responses to pending requests.
package protocol

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/kms"
	"github.com/and161185/goph-notify/internal/limiter"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/relay"
	"github.com/and161185/goph-notify/internal/store"
	"go.uber.org/zap"
)

// KMS is the key management the protocol layer needs.
type KMS interface {
	CreateX25519KeyPair(ctx context.Context) (string, error)
	DeletePrivateKey(ctx context.Context, pubHex string) error
	DeriveSymKey(ctx context.Context, selfPub, peerPub string) (string, error)
	ImportSymKey(ctx context.Context, keyHex string) (string, error)
	ExportSymKey(ctx context.Context, topic string) (string, error)
	HasSymKey(ctx context.Context, topic string) bool
	DeleteSymKey(ctx context.Context, topic string) error
	Encrypt(ctx context.Context, topic string, plaintext []byte) ([]byte, error)
	EncryptType1(ctx context.Context, topic, selfPub string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, topic string, env []byte) (kms.Decrypted, error)
	IdentitySigner(ctx context.Context, account string) (crypto.Signer, error)
}

// DappResolver resolves publisher identities.
type DappResolver interface {
	Resolve(ctx context.Context, domain string) (identity.Dapp, error)
	ResolveFresh(ctx context.Context, domain string) (identity.Dapp, error)
}

// Deps are the collaborators of the engine.
type Deps struct {
	KMS      KMS
	Relay    relay.Relay
	Resolver DappResolver
	Subs     store.SubscriptionStore
	Messages store.MessageStore
	Failures limiter.Limiter
}

// Config tunes the engine.
type Config struct {
	RequestTimeout  time.Duration
	SubscriptionTTL time.Duration
	// LateWindow is how long after a timeout a late response is still applied.
	LateWindow   time.Duration
	KeyserverURL string
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = 30 * 24 * time.Hour
	}
	if c.LateWindow <= 0 {
		c.LateWindow = 10 * time.Minute
	}
}

// Engine owns pending requests and the inbound dispatch loop.
type Engine struct {
	kms      KMS
	relay    relay.Relay
	resolver DappResolver
	subs     store.SubscriptionStore
	msgs     store.MessageStore
	failures limiter.Limiter
	cfg      Config
	reg      *registry
	log      *zap.Logger
	now      func() time.Time

	// background work outlives the caller's request and ends with Run.
	bgMu     sync.Mutex
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewEngine wires an engine.
func NewEngine(d Deps, cfg Config, log *zap.Logger) *Engine {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Engine{
		kms:      d.KMS,
		relay:    d.Relay,
		resolver: d.Resolver,
		subs:     d.Subs,
		msgs:     d.Messages,
		failures: d.Failures,
		cfg:      cfg,
		reg:      newRegistry(),
		log:      log.Named("protocol"),
		now:      time.Now,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

// Pending lists in-flight requests, oldest first.
func (e *Engine) Pending() []model.PendingRequest { return e.reg.snapshot() }

// Run restores relay subscriptions of stored subscriptions and dispatches inbound envelopes
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stopBackground()
	if err := e.restore(ctx); err != nil {
		return err
	}
	prune := time.NewTicker(min(time.Minute, e.cfg.LateWindow))
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-prune.C:
			for _, p := range e.reg.prune(e.now()) {
				e.log.Debug("late window closed", zap.String("id", p.req.ID), zap.String("kind", string(p.req.Kind)))
				p.free(ctx)
			}
		case env, ok := <-e.relay.Messages():
			if !ok {
				return nil
			}
			e.HandleEnvelope(ctx, env)
		}
	}
}

// background runs f on its own goroutine. Once Run has returned f runs inline with a
// canceled context.
func (e *Engine) background(f func(ctx context.Context)) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.bgCtx.Err() != nil {
		f(e.bgCtx)
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		f(e.bgCtx)
	}()
}

func (e *Engine) stopBackground() {
	e.bgMu.Lock()
	e.bgCancel()
	e.bgMu.Unlock()
	e.bg.Wait()
}

func (e *Engine) restore(ctx context.Context) error {
	subs, err := e.subs.GetAll(ctx, "")
	if err != nil {
		return err
	}
	for _, s := range subs {
		if err := e.relay.Subscribe(ctx, s.Topic); err != nil {
			e.log.Warn("relay subscribe failed", zap.String("topic", s.Topic), zap.Error(err))
		}
	}
	return nil
}

// HandleEnvelope processes one inbound envelope. Undecryptable or malformed payloads are
// dropped.
func (e *Engine) HandleEnvelope(ctx context.Context, env relay.Envelope) {
	dec, err := e.kms.Decrypt(ctx, env.Topic, env.Payload)
	if err != nil {
		e.log.Debug("drop envelope", zap.String("topic", env.Topic), zap.Error(err))
		return
	}
	m, err := Decode(dec.Plaintext)
	if err != nil {
		e.log.Debug("drop malformed payload", zap.String("topic", env.Topic), zap.Error(err))
		return
	}
	if m.IsRequest() {
		switch m.Method {
		case MethodMessage:
			e.handleMessage(ctx, env.Topic, m)
		default:
			e.log.Debug("ignore request", zap.String("method", m.Method), zap.String("topic", env.Topic))
		}
		return
	}
	e.handleResponse(ctx, env.Topic, m)
}

func (e *Engine) handleResponse(ctx context.Context, topic string, m *Message) {
	p, ok := e.reg.get(m.ID)
	if !ok {
		e.log.Debug("uncorrelated response", zap.String("id", m.ID), zap.String("topic", topic))
		return
	}
	if m.Error != nil {
		if e.reg.complete(m.ID, outcome{err: &errs.RejectedError{Code: m.Error.Code, Message: m.Error.Message}}) {
			p.free(ctx)
		}
		return
	}
	val, err := p.handle(ctx, topic, m)
	if errors.Is(err, errs.ErrSignatureVerification) {
		e.log.Warn("response rejected, request stays pending",
			zap.String("id", m.ID), zap.String("kind", string(p.req.Kind)), zap.Error(err))
		return
	}
	if !e.reg.complete(m.ID, outcome{val: val, err: err}) {
		return
	}
	p.free(ctx)
	if err == nil {
		e.success(ctx, p.req.Topic)
	}
	e.log.Debug("request completed", zap.String("id", m.ID), zap.String("kind", string(p.req.Kind)),
		zap.Duration("took", e.now().Sub(p.req.IssuedAt)), zap.Error(err))
}

// call describes one outbound request.
type call struct {
	topic        string // pending slot
	kind         model.RequestKind
	publishTopic string
	method       string
	params       any
	// prepare runs once the slot is taken, before sealing. Whatever it sets up is undone by
	// release.
	prepare func(ctx context.Context) error
	release func(ctx context.Context)
	seal    func(ctx context.Context, plaintext []byte) ([]byte, error)
	handle  responseHandler
	// trackFailures counts publish failures and timeouts against topic.
	trackFailures bool
}

// do runs the request state machine: created, published, then completed, timed out or
// rejected.
func (e *Engine) do(ctx context.Context, c call) (any, error) {
	p, err := e.start(ctx, c)
	if err != nil {
		return nil, err
	}
	return e.wait(ctx, c, p)
}

// start takes the pending slot and publishes the request.
func (e *Engine) start(ctx context.Context, c call) (*pending, error) {
	req, payload, err := NewRequest(c.method, c.params)
	if err != nil {
		return nil, err
	}
	p := &pending{
		req: model.PendingRequest{
			ID: req.ID, Topic: c.topic, Kind: c.kind, IssuedAt: e.now(), Timeout: e.cfg.RequestTimeout,
		},
		handle:  c.handle,
		release: c.release,
		done:    make(chan outcome, 1),
	}
	if err := e.reg.add(p); err != nil {
		return nil, err
	}
	abort := func() {
		e.reg.remove(req.ID)
		p.free(context.WithoutCancel(ctx))
	}
	if c.prepare != nil {
		if err := c.prepare(ctx); err != nil {
			abort()
			return nil, err
		}
	}
	env, err := c.seal(ctx, payload)
	if err != nil {
		abort()
		return nil, err
	}
	if err := e.relay.Publish(ctx, c.publishTopic, env); err != nil {
		abort()
		if c.trackFailures {
			e.failure(ctx, c.topic)
		}
		return nil, fmt.Errorf("publish %s: %w", c.method, err)
	}
	e.log.Debug("request published", zap.String("id", req.ID), zap.String("kind", string(c.kind)),
		zap.String("topic", c.publishTopic))
	return p, nil
}

// wait blocks until the response, the request timeout or ctx. A request given up on stays
// correlatable for the late window.
func (e *Engine) wait(ctx context.Context, c call, p *pending) (any, error) {
	id := p.req.ID
	timer := time.NewTimer(e.cfg.RequestTimeout)
	defer timer.Stop()
	var out outcome
	select {
	case out = <-p.done:
	case <-timer.C:
		if !e.reg.expire(id, e.now().Add(e.cfg.LateWindow)) {
			out = <-p.done
			break
		}
		if c.trackFailures {
			e.failure(ctx, c.topic)
		}
		return nil, &errs.RequestTimeoutError{ID: id, Topic: c.topic, Kind: string(c.kind), After: e.cfg.RequestTimeout}
	case <-ctx.Done():
		if !e.reg.expire(id, e.now().Add(e.cfg.LateWindow)) {
			out = <-p.done
			break
		}
		return nil, ctx.Err()
	}
	return out.val, out.err
}

func (e *Engine) failure(ctx context.Context, topic string) {
	stale, err := e.failures.Failure(ctx, topic)
	if err != nil {
		e.log.Warn("record delivery failure", zap.String("topic", topic), zap.Error(err))
		return
	}
	if stale {
		e.log.Info("topic marked stale", zap.String("topic", topic))
	}
}

func (e *Engine) success(ctx context.Context, topic string) {
	if err := e.failures.Success(ctx, topic); err != nil {
		e.log.Warn("reset delivery failures", zap.String("topic", topic), zap.Error(err))
	}
}

// sign issues claims with account's identity key.
func (e *Engine) sign(ctx context.Context, account string, c identity.Claims) (string, error) {
	signer, err := e.kms.IdentitySigner(ctx, account)
	if err != nil {
		return "", fmt.Errorf("identity key of %s: %w", account, err)
	}
	c.Subject = identity.DIDPKH(account)
	c.Ksu = e.cfg.KeyserverURL
	return identity.Sign(signer, c)
}

// verifyDapp checks a token was signed by the publisher key authDID.
func verifyDapp(token, authDID, act string) (*identity.Claims, error) {
	pub, err := identity.DecodeDIDKey(authDID)
	if err != nil {
		return nil, fmt.Errorf("%w: publisher key: %v", errs.ErrSignatureVerification, err)
	}
	return identity.Verify(token, pub, act)
}

// ForgetTopic releases what a removed subscription held on this device: its relay
// subscription, key and failure counters.
func (e *Engine) ForgetTopic(ctx context.Context, topic string) {
	if err := e.relay.Unsubscribe(ctx, topic); err != nil {
		e.log.Warn("relay unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	}
	if err := e.kms.DeleteSymKey(ctx, topic); err != nil {
		e.log.Warn("delete sym key failed", zap.String("topic", topic), zap.Error(err))
	}
	if err := e.failures.Forget(ctx, topic); err != nil {
		e.log.Warn("forget delivery failures", zap.String("topic", topic), zap.Error(err))
	}
}

// AdoptTopic makes a subscription created on a sibling device usable here: it imports the
// shared key and subscribes the relay to the topic.
func (e *Engine) AdoptTopic(ctx context.Context, sub model.Subscription) error {
	if !e.kms.HasSymKey(ctx, sub.Topic) {
		topic, err := e.kms.ImportSymKey(ctx, sub.SymKey)
		if err != nil {
			return err
		}
		if topic != sub.Topic {
			return fmt.Errorf("sym key of %s does not match its topic", sub.Topic)
		}
	}
	return e.relay.Subscribe(ctx, sub.Topic)
}

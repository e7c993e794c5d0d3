// Package publisher is the dapp side of the notify protocol: it serves its did:web documents,
// answers subscribe, update and delete requests and sends signed notifications.
package publisher

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/kms"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/protocol"
	"github.com/and161185/goph-notify/internal/relay"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// AccountResolver maps a subscriber identity key to its registered account.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, pub ed25519.PublicKey) (string, error)
}

// Subscriber is a wallet subscription as the publisher sees it.
type Subscriber struct {
	Topic    string
	Account  string
	Identity string // did:key of the wallet identity key
	Scope    []string
}

type queued struct {
	topic string
	dec   kms.Decrypted
	msg   *protocol.Message
}

// Publisher is a notify dapp.
type Publisher struct {
	domain       string
	kms          *kms.Service
	relay        relay.Relay
	accounts     AccountResolver
	log          *zap.Logger
	keyAgreement string
	authDID      string
	metadata     model.DappMetadata

	mu          sync.Mutex
	types       []model.ScopeType
	subscribers map[string]*Subscriber
	receipts    map[string]bool
	paused      bool
	queue       []queued
}

// New creates the publisher keys and starts listening on its subscribe topic.
func New(ctx context.Context, domain string, k *kms.Service, r relay.Relay, accounts AccountResolver,
	meta model.DappMetadata, types []model.ScopeType, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ka, err := k.CreateX25519KeyPair(ctx)
	if err != nil {
		return nil, err
	}
	subscribeTopic, err := kms.SubscribeTopic(ka)
	if err != nil {
		return nil, err
	}
	if err := k.BindTopicKey(ctx, subscribeTopic, ka); err != nil {
		return nil, err
	}
	auth, err := k.CreateIdentityKey(ctx, identity.DIDWeb(domain))
	if err != nil {
		return nil, err
	}
	if err := r.Subscribe(ctx, subscribeTopic); err != nil {
		return nil, err
	}
	return &Publisher{
		domain:       domain,
		kms:          k,
		relay:        r,
		accounts:     accounts,
		log:          log.Named("publisher").With(zap.String("app", domain)),
		keyAgreement: ka,
		authDID:      identity.EncodeDIDKey(auth),
		metadata:     meta,
		types:        slices.Clone(types),
		subscribers:  make(map[string]*Subscriber),
		receipts:     make(map[string]bool),
	}, nil
}

// Handler serves the well-known DID document and notify config.
func (p *Publisher) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(identity.DIDDocumentPath, func(w http.ResponseWriter, _ *http.Request) {
		auth, _ := identity.DecodeDIDKey(p.authDID)
		doc, err := identity.NewDIDDocument(p.domain, p.keyAgreement, auth)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, doc)
	}).Methods(http.MethodGet)
	r.HandleFunc(identity.NotifyConfigPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, identity.NotifyConfig{
			Name:        p.metadata.Name,
			Description: p.metadata.Description,
			Icons:       p.metadata.Icons,
			Types:       p.Types(),
		})
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// SetTypes replaces the advertised notification types.
func (p *Publisher) SetTypes(types []model.ScopeType) {
	p.mu.Lock()
	p.types = slices.Clone(types)
	p.mu.Unlock()
}

// Types returns the advertised notification types.
func (p *Publisher) Types() []model.ScopeType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.types)
}

// Subscribers lists current subscribers sorted by topic.
func (p *Publisher) Subscribers() []Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		c := *s
		c.Scope = slices.Clone(s.Scope)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Delivered reports whether the wallet acknowledged message id.
func (p *Publisher) Delivered(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receipts[id]
}

// Pause holds incoming requests unanswered until Resume.
func (p *Publisher) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Held returns the number of requests held while paused.
func (p *Publisher) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Resume answers every held request and goes back to answering immediately.
func (p *Publisher) Resume(ctx context.Context) {
	p.mu.Lock()
	p.paused = false
	q := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, it := range q {
		p.answer(ctx, it.topic, it.dec, it.msg)
	}
}

// Run answers requests until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-p.relay.Messages():
			if !ok {
				return nil
			}
			p.handle(ctx, env)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, env relay.Envelope) {
	dec, err := p.kms.Decrypt(ctx, env.Topic, env.Payload)
	if err != nil {
		p.log.Debug("drop envelope", zap.String("topic", env.Topic), zap.Error(err))
		return
	}
	m, err := protocol.Decode(dec.Plaintext)
	if err != nil {
		return
	}
	if !m.IsRequest() {
		p.onReceipt(env.Topic, m)
		return
	}
	p.mu.Lock()
	if p.paused {
		p.queue = append(p.queue, queued{topic: env.Topic, dec: dec, msg: m})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.answer(ctx, env.Topic, dec, m)
}

func (p *Publisher) answer(ctx context.Context, topic string, dec kms.Decrypted, m *protocol.Message) {
	switch m.Method {
	case protocol.MethodSubscribe:
		p.onSubscribe(ctx, dec, m)
	case protocol.MethodUpdate:
		p.onUpdate(ctx, topic, m)
	case protocol.MethodDelete:
		p.onDelete(ctx, topic, m)
	default:
		p.log.Debug("ignore request", zap.String("method", m.Method))
	}
}

func (p *Publisher) sign(ctx context.Context, c identity.Claims) (string, error) {
	signer, err := p.kms.IdentitySigner(ctx, identity.DIDWeb(p.domain))
	if err != nil {
		return "", err
	}
	c.App = identity.DIDWeb(p.domain)
	return identity.Sign(signer, c)
}

func (p *Publisher) reply(ctx context.Context, topic string, payload []byte) {
	env, err := p.kms.Encrypt(ctx, topic, payload)
	if err != nil {
		p.log.Warn("seal reply", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := p.relay.Publish(ctx, topic, env); err != nil {
		p.log.Warn("publish reply", zap.String("topic", topic), zap.Error(err))
	}
}

func (p *Publisher) reject(ctx context.Context, topic, id string, code int, reason string) {
	p.log.Info("request rejected", zap.String("id", id), zap.String("reason", reason))
	payload, err := protocol.NewError(id, code, reason)
	if err == nil {
		p.reply(ctx, topic, payload)
	}
}

func (p *Publisher) respond(ctx context.Context, topic, id string, c identity.Claims) {
	token, err := p.sign(ctx, c)
	if err != nil {
		p.log.Warn("sign response", zap.Error(err))
		return
	}
	payload, err := protocol.NewResult(id, protocol.ResponseResult{ResponseAuth: token})
	if err == nil {
		p.reply(ctx, topic, payload)
	}
}

// granted intersects a requested scope claim with what is offered now.
func (p *Publisher) granted(scp string) []string {
	return protocol.Intersect(model.ParseScopeClaim(scp), p.Types())
}

func (p *Publisher) onSubscribe(ctx context.Context, dec kms.Decrypted, m *protocol.Message) {
	if dec.PeerTopic == "" {
		return
	}
	var params protocol.SubscribeParams
	if err := json.Unmarshal(m.Params, &params); err != nil {
		p.reject(ctx, dec.PeerTopic, m.ID, protocol.CodeInvalidParams, "malformed params")
		return
	}
	claims, err := identity.Verify(params.SubscriptionAuth, nil, identity.ActSubscription)
	if err != nil || !slices.Contains(claims.Audience, p.authDID) {
		p.reject(ctx, dec.PeerTopic, m.ID, protocol.CodeUnauthorized, "bad subscription auth")
		return
	}
	account, ok := identity.AccountFromDIDPKH(claims.Subject)
	if !ok {
		p.reject(ctx, dec.PeerTopic, m.ID, protocol.CodeInvalidParams, "bad subject")
		return
	}
	walletKey, _ := identity.DecodeDIDKey(claims.Issuer)
	registered, err := p.accounts.ResolveAccount(ctx, walletKey)
	if err != nil || registered != account {
		p.reject(ctx, dec.PeerTopic, m.ID, protocol.CodeUnauthorized, "identity key not registered for account")
		return
	}

	subPub, err := p.kms.CreateX25519KeyPair(ctx)
	if err != nil {
		return
	}
	topic, err := p.kms.DeriveSymKey(ctx, subPub, dec.SenderPub)
	if err != nil {
		return
	}
	if err := p.relay.Subscribe(ctx, topic); err != nil {
		p.log.Warn("relay subscribe", zap.Error(err))
		return
	}
	scope := p.granted(claims.Scp)
	p.mu.Lock()
	p.subscribers[topic] = &Subscriber{Topic: topic, Account: account, Identity: claims.Issuer, Scope: scope}
	p.mu.Unlock()

	p.respond(ctx, dec.PeerTopic, m.ID, identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{claims.Issuer}, Subject: claims.Subject},
		Act:              identity.ActSubscriptionResponse,
		Pub:              subPub,
		Scp:              strings.Join(scope, " "),
	})
	p.log.Info("subscriber added", zap.String("topic", topic), zap.String("account", account))
}

// subscriberClaims verifies a request token against the subscriber bound to topic.
func (p *Publisher) subscriberClaims(topic, token, act string) (*Subscriber, *identity.Claims, bool) {
	p.mu.Lock()
	sub, ok := p.subscribers[topic]
	p.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	key, err := identity.DecodeDIDKey(sub.Identity)
	if err != nil {
		return nil, nil, false
	}
	claims, err := identity.Verify(token, key, act)
	if err != nil {
		p.log.Warn("request signature rejected", zap.String("topic", topic), zap.Error(err))
		return nil, nil, false
	}
	return sub, claims, true
}

func (p *Publisher) onUpdate(ctx context.Context, topic string, m *protocol.Message) {
	var params protocol.UpdateParams
	_ = json.Unmarshal(m.Params, &params)
	sub, claims, ok := p.subscriberClaims(topic, params.UpdateAuth, identity.ActUpdate)
	if !ok {
		p.reject(ctx, topic, m.ID, protocol.CodeUnauthorized, "bad update auth")
		return
	}
	scope := p.granted(claims.Scp)
	p.mu.Lock()
	sub.Scope = scope
	p.mu.Unlock()
	p.respond(ctx, topic, m.ID, identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{sub.Identity}, Subject: claims.Subject},
		Act:              identity.ActUpdateResponse,
		Scp:              strings.Join(scope, " "),
	})
}

func (p *Publisher) onDelete(ctx context.Context, topic string, m *protocol.Message) {
	var params protocol.DeleteParams
	_ = json.Unmarshal(m.Params, &params)
	sub, claims, ok := p.subscriberClaims(topic, params.DeleteAuth, identity.ActDelete)
	if !ok {
		p.reject(ctx, topic, m.ID, protocol.CodeUnauthorized, "bad delete auth")
		return
	}
	p.respond(ctx, topic, m.ID, identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{sub.Identity}, Subject: claims.Subject},
		Act:              identity.ActDeleteResponse,
	})
	p.mu.Lock()
	delete(p.subscribers, topic)
	p.mu.Unlock()
	_ = p.relay.Unsubscribe(ctx, topic)
	_ = p.kms.DeleteSymKey(ctx, topic)
	p.log.Info("subscriber removed", zap.String("topic", topic))
}

func (p *Publisher) onReceipt(topic string, m *protocol.Message) {
	var res protocol.ReceiptResult
	if m.Error != nil || json.Unmarshal(m.Result, &res) != nil {
		return
	}
	if _, _, ok := p.subscriberClaims(topic, res.ReceiptAuth, identity.ActMessageResponse); !ok {
		return
	}
	p.mu.Lock()
	p.receipts[m.ID] = true
	p.mu.Unlock()
}

// Notify sends msg to every subscription of account that enabled msg.Type and returns the
// request ids sent.
func (p *Publisher) Notify(ctx context.Context, account string, msg identity.MessageClaim) ([]string, error) {
	var targets []Subscriber
	for _, s := range p.Subscribers() {
		if s.Account == account && slices.Contains(s.Scope, msg.Type) {
			targets = append(targets, s)
		}
	}
	ids := make([]string, 0, len(targets))
	for _, s := range targets {
		m := msg
		token, err := p.sign(ctx, identity.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{s.Identity}, Subject: identity.DIDPKH(account)},
			Act:              identity.ActMessage,
			Msg:              &m,
		})
		if err != nil {
			return ids, err
		}
		req, payload, err := protocol.NewRequest(protocol.MethodMessage, protocol.MessageParams{MessageAuth: token})
		if err != nil {
			return ids, err
		}
		env, err := p.kms.Encrypt(ctx, s.Topic, payload)
		if err != nil {
			return ids, err
		}
		if err := p.relay.Publish(ctx, s.Topic, env); err != nil {
			return ids, err
		}
		ids = append(ids, req.ID)
	}
	return ids, nil
}

// SubscribeTopic is where wallets send subscribe requests.
func (p *Publisher) SubscribeTopic() string {
	t, _ := kms.SubscribeTopic(p.keyAgreement)
	return t
}

// KMS exposes the publisher key store to simulations that need to seal envelopes.
func (p *Publisher) KMS() *kms.Service { return p.kms }

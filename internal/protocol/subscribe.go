package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/kms"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Subscribe subscribes account to the publisher at appDomain. A nil enabled list enables
// every offered type.
func (e *Engine) Subscribe(ctx context.Context, appDomain, account string, enabled []string) (model.Subscription, error) {
	dapp, err := e.resolver.Resolve(ctx, appDomain)
	if err != nil {
		return model.Subscription{}, err
	}
	return e.subscribe(ctx, dapp, account, enabled, model.KindSubscribe, "")
}

// subscribe runs the handshake: a type 1 request on the publisher's subscribe topic, the
// response on the agreed response topic, and the subscription topic agreed from the key
// carried by the response. The pending slot is per publisher and account unless slot
// overrides it.
func (e *Engine) subscribe(ctx context.Context, dapp identity.Dapp, account string, enabled []string, kind model.RequestKind, slot string) (model.Subscription, error) {
	if enabled == nil {
		enabled = offeredNames(dapp.Types)
	}
	if err := checkScope(dapp.Types, enabled); err != nil {
		return model.Subscription{}, err
	}
	subscribeTopic, err := kms.SubscribeTopic(dapp.KeyAgreement)
	if err != nil {
		return model.Subscription{}, &errs.ResolutionError{Target: identity.DIDWeb(dapp.Domain), Err: err}
	}
	if slot == "" {
		slot = subscribeTopic + "/" + account
	}

	token, err := e.sign(ctx, account, identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{dapp.Authentication}},
		Act:              identity.ActSubscription,
		App:              identity.DIDWeb(dapp.Domain),
		Scp:              strings.Join(enabled, " "),
	})
	if err != nil {
		return model.Subscription{}, err
	}

	var hs handshake
	v, err := e.do(ctx, call{
		topic:        slot,
		kind:         kind,
		publishTopic: subscribeTopic,
		method:       MethodSubscribe,
		params:       SubscribeParams{SubscriptionAuth: token},
		prepare: func(ctx context.Context) error {
			return e.openHandshake(ctx, &hs, dapp.KeyAgreement)
		},
		release: func(ctx context.Context) {
			e.closeHandshake(ctx, hs)
		},
		seal: func(ctx context.Context, pt []byte) ([]byte, error) {
			return e.kms.EncryptType1(ctx, hs.responseTopic, hs.selfPub, pt)
		},
		handle: func(ctx context.Context, _ string, m *Message) (any, error) {
			return e.onSubscribed(ctx, dapp, account, enabled, hs.selfPub, m)
		},
	})
	if err != nil {
		return model.Subscription{}, err
	}
	return v.(model.Subscription), nil
}

// handshake is the single use channel a subscribe response arrives on.
type handshake struct {
	selfPub       string
	responseTopic string
}

func (e *Engine) openHandshake(ctx context.Context, hs *handshake, peerPub string) error {
	selfPub, err := e.kms.CreateX25519KeyPair(ctx)
	if err != nil {
		return err
	}
	hs.selfPub = selfPub
	responseTopic, err := e.kms.DeriveSymKey(ctx, selfPub, peerPub)
	if err != nil {
		return err
	}
	hs.responseTopic = responseTopic
	if err := e.relay.Subscribe(ctx, responseTopic); err != nil {
		return fmt.Errorf("subscribe response topic: %w", err)
	}
	return nil
}

func (e *Engine) closeHandshake(ctx context.Context, hs handshake) {
	if hs.responseTopic != "" {
		if err := e.relay.Unsubscribe(ctx, hs.responseTopic); err != nil {
			e.log.Debug("relay unsubscribe failed", zap.String("topic", hs.responseTopic), zap.Error(err))
		}
		if err := e.kms.DeleteSymKey(ctx, hs.responseTopic); err != nil {
			e.log.Debug("delete handshake key", zap.Error(err))
		}
	}
	if hs.selfPub != "" {
		if err := e.kms.DeletePrivateKey(ctx, hs.selfPub); err != nil {
			e.log.Debug("delete handshake private key", zap.Error(err))
		}
	}
}

func (e *Engine) onSubscribed(ctx context.Context, dapp identity.Dapp, account string, enabled []string, selfPub string, m *Message) (model.Subscription, error) {
	var res ResponseResult
	if err := json.Unmarshal(m.Result, &res); err != nil {
		return model.Subscription{}, fmt.Errorf("%w: malformed result", errs.ErrSignatureVerification)
	}
	claims, err := verifyDapp(res.ResponseAuth, dapp.Authentication, identity.ActSubscriptionResponse)
	if err != nil {
		return model.Subscription{}, err
	}
	if claims.Pub == "" {
		return model.Subscription{}, fmt.Errorf("%w: response carries no subscription key", errs.ErrSignatureVerification)
	}

	topic, err := e.kms.DeriveSymKey(ctx, selfPub, claims.Pub)
	if err != nil {
		return model.Subscription{}, err
	}
	symKey, err := e.kms.ExportSymKey(ctx, topic)
	if err != nil {
		return model.Subscription{}, err
	}
	granted := enabled
	if claims.Scp != "" {
		granted = model.ParseScopeClaim(claims.Scp)
	}
	sub, err := e.subs.Upsert(ctx, model.Subscription{
		Topic:      topic,
		Account:    account,
		AppDomain:  dapp.Domain,
		AppAuthKey: dapp.Authentication,
		Metadata:   dapp.Metadata,
		Scope:      model.BuildScope(dapp.Types, granted, 0),
		SymKey:     symKey,
		Expiry:     e.now().Add(e.cfg.SubscriptionTTL).UTC(),
	})
	if err != nil {
		return model.Subscription{}, err
	}
	if err := e.relay.Subscribe(ctx, topic); err != nil {
		e.log.Warn("relay subscribe failed", zap.String("topic", topic), zap.Error(err))
	}
	e.log.Info("subscribed", zap.String("topic", topic), zap.String("app", dapp.Domain),
		zap.String("account", account))
	return sub, nil
}

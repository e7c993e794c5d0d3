package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Update changes the enabled scope of a subscription.
func (e *Engine) Update(ctx context.Context, topic string, enabled []string) (model.Subscription, error) {
	sub, err := e.subs.Get(ctx, topic)
	if err != nil {
		return model.Subscription{}, err
	}
	dapp, err := e.resolver.Resolve(ctx, sub.AppDomain)
	if err != nil {
		return model.Subscription{}, err
	}
	return e.UpdateOffered(ctx, topic, dapp.Types, enabled)
}

// UpdateOffered requests enabled against an explicitly given set of offered types. On
// confirmation the stored scope is rebuilt from offered, dropping types no longer offered.
func (e *Engine) UpdateOffered(ctx context.Context, topic string, offered []model.ScopeType, enabled []string) (model.Subscription, error) {
	if enabled == nil {
		enabled = []string{}
	}
	if err := checkScope(offered, enabled); err != nil {
		return model.Subscription{}, err
	}
	sub, err := e.subs.Get(ctx, topic)
	if err != nil {
		return model.Subscription{}, err
	}
	token, err := e.sign(ctx, sub.Account, identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{sub.AppAuthKey}},
		Act:              identity.ActUpdate,
		App:              identity.DIDWeb(sub.AppDomain),
		Scp:              strings.Join(enabled, " "),
	})
	if err != nil {
		return model.Subscription{}, err
	}

	v, err := e.do(ctx, call{
		topic:         topic,
		kind:          model.KindUpdate,
		publishTopic:  topic,
		method:        MethodUpdate,
		params:        UpdateParams{UpdateAuth: token},
		trackFailures: true,
		seal: func(ctx context.Context, pt []byte) ([]byte, error) {
			return e.kms.Encrypt(ctx, topic, pt)
		},
		handle: func(ctx context.Context, _ string, m *Message) (any, error) {
			var res ResponseResult
			if err := json.Unmarshal(m.Result, &res); err != nil {
				return nil, fmt.Errorf("%w: malformed result", errs.ErrSignatureVerification)
			}
			claims, err := verifyDapp(res.ResponseAuth, sub.AppAuthKey, identity.ActUpdateResponse)
			if err != nil {
				return nil, err
			}
			granted := enabled
			if claims.Scp != "" {
				granted = model.ParseScopeClaim(claims.Scp)
			}
			cur, err := e.subs.Get(ctx, topic)
			if err != nil {
				return nil, err
			}
			cur.Scope = model.BuildScope(offered, granted, 0)
			cur.Expiry = e.now().Add(e.cfg.SubscriptionTTL).UTC()
			return e.subs.Upsert(ctx, cur)
		},
	})
	if err != nil {
		return model.Subscription{}, err
	}
	return v.(model.Subscription), nil
}

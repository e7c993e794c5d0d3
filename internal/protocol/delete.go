package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Delete removes a subscription. The local removal and message cascade take effect at once.
// The publisher's confirmation is awaited in the background and the topic key is forgotten
// when it arrives or times out. Only storage failures and a delete already in flight are
// returned.
func (e *Engine) Delete(ctx context.Context, topic string) error {
	sub, err := e.subs.Get(ctx, topic)
	if err != nil {
		return err
	}
	token, err := e.sign(ctx, sub.Account, identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{sub.AppAuthKey}},
		Act:              identity.ActDelete,
		App:              identity.DIDWeb(sub.AppDomain),
	})
	if err != nil {
		return err
	}

	c := call{
		topic:        topic,
		kind:         model.KindDelete,
		publishTopic: topic,
		method:       MethodDelete,
		params:       DeleteParams{DeleteAuth: token},
		seal: func(ctx context.Context, pt []byte) ([]byte, error) {
			return e.kms.Encrypt(ctx, topic, pt)
		},
		handle: func(_ context.Context, _ string, m *Message) (any, error) {
			var res ResponseResult
			if err := json.Unmarshal(m.Result, &res); err != nil {
				return nil, fmt.Errorf("%w: malformed result", errs.ErrSignatureVerification)
			}
			return verifyDapp(res.ResponseAuth, sub.AppAuthKey, identity.ActDeleteResponse)
		},
	}
	p, err := e.start(ctx, c)
	switch {
	case errors.Is(err, errs.ErrDuplicateRequest):
		return err
	case err != nil:
		e.log.Warn("delete not sent to publisher", zap.String("topic", topic), zap.Error(err))
		defer e.ForgetTopic(context.WithoutCancel(ctx), topic)
	default:
		e.background(func(bg context.Context) {
			_, err := e.wait(bg, c, p)
			if err != nil {
				e.log.Warn("delete not confirmed by publisher", zap.String("topic", topic), zap.Error(err))
			} else {
				e.log.Info("subscription deleted", zap.String("topic", topic))
			}
			e.ForgetTopic(context.WithoutCancel(bg), topic)
		})
	}

	if _, err := e.subs.Remove(ctx, topic); err != nil {
		return err
	}
	if _, err := e.msgs.RemoveAll(ctx, topic); err != nil {
		return err
	}
	return nil
}

// Expire drops a subscription whose expiry passed without renewal, together with its
// messages and topic key. The publisher already treats it as gone, so nothing is sent.
func (e *Engine) Expire(ctx context.Context, topic string) error {
	if _, err := e.subs.Remove(ctx, topic); err != nil {
		return err
	}
	if _, err := e.msgs.RemoveAll(ctx, topic); err != nil {
		return err
	}
	e.ForgetTopic(ctx, topic)
	e.log.Info("subscription expired", zap.String("topic", topic))
	return nil
}

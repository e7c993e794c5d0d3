package protocol

import (
	"context"
	"encoding/json"

	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// handleMessage stores a publisher notification and answers with a signed receipt. Nothing
// is acknowledged unless the message was verified and stored, so the publisher redelivers.
func (e *Engine) handleMessage(ctx context.Context, topic string, m *Message) {
	log := e.log.With(zap.String("topic", topic), zap.String("id", m.ID))
	sub, err := e.subs.Get(ctx, topic)
	if err != nil {
		log.Debug("message for unknown subscription", zap.Error(err))
		return
	}
	if sub.Expired(e.now()) {
		log.Debug("message for expired subscription")
		return
	}
	var params MessageParams
	if err := json.Unmarshal(m.Params, &params); err != nil {
		log.Debug("malformed message params", zap.Error(err))
		return
	}
	claims, err := verifyDapp(params.MessageAuth, sub.AppAuthKey, identity.ActMessage)
	if err != nil {
		log.Warn("message signature rejected", zap.Error(err))
		return
	}
	if claims.Msg == nil || claims.Subject != identity.DIDPKH(sub.Account) {
		log.Warn("message not addressed to this subscription")
		return
	}

	msg := model.NotifyMessage{
		ID:          claims.Msg.ID,
		Topic:       topic,
		Title:       claims.Msg.Title,
		Body:        claims.Msg.Body,
		Icon:        claims.Msg.Icon,
		URL:         claims.Msg.URL,
		Type:        claims.Msg.Type,
		PublishedAt: e.now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = m.ID
	}
	if claims.IssuedAt != nil {
		msg.PublishedAt = claims.IssuedAt.UTC()
	}
	inserted, err := e.msgs.Append(ctx, msg)
	if err != nil {
		log.Error("store message", zap.Error(err))
		return
	}
	e.success(ctx, topic)
	log.Debug("message received", zap.Bool("new", inserted), zap.String("type", msg.Type))

	token, err := e.sign(ctx, sub.Account, identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{sub.AppAuthKey}},
		Act:              identity.ActMessageResponse,
		App:              identity.DIDWeb(sub.AppDomain),
	})
	if err != nil {
		log.Warn("sign receipt", zap.Error(err))
		return
	}
	payload, err := NewResult(m.ID, ReceiptResult{ReceiptAuth: token})
	if err != nil {
		return
	}
	env, err := e.kms.Encrypt(ctx, topic, payload)
	if err != nil {
		log.Warn("seal receipt", zap.Error(err))
		return
	}
	if err := e.relay.Publish(ctx, topic, env); err != nil {
		log.Warn("publish receipt", zap.Error(err))
		e.failure(ctx, topic)
	}
}

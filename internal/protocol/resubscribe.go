package protocol

import (
	"context"

	"github.com/and161185/goph-notify/internal/model"
	"go.uber.org/zap"
)

// Resubscribe replaces a subscription whose topic went stale with a fresh one to the same
// publisher, keeping the previously enabled scope and the message history.
func (e *Engine) Resubscribe(ctx context.Context, topic string) (model.Subscription, error) {
	old, err := e.subs.Get(ctx, topic)
	if err != nil {
		return model.Subscription{}, err
	}
	dapp, err := e.resolver.ResolveFresh(ctx, old.AppDomain)
	if err != nil {
		return model.Subscription{}, err
	}
	enabled := Intersect(old.Scope.Enabled(), dapp.Types)
	sub, err := e.subscribe(ctx, dapp, old.Account, enabled, model.KindResubscribe, topic)
	if err != nil {
		return model.Subscription{}, err
	}

	history, err := e.msgs.GetAll(ctx, topic)
	if err != nil {
		return sub, err
	}
	for _, m := range history {
		m.Topic = sub.Topic
		if _, err := e.msgs.Append(ctx, m); err != nil {
			return sub, err
		}
	}
	if _, err := e.subs.Remove(ctx, topic); err != nil {
		return sub, err
	}
	if _, err := e.msgs.RemoveAll(ctx, topic); err != nil {
		return sub, err
	}
	e.ForgetTopic(ctx, topic)
	e.log.Info("resubscribed", zap.String("old_topic", topic), zap.String("topic", sub.Topic))
	return sub, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/repository"
	"go.uber.org/zap"
)

const (
	messagePrefix   = "messages/"
	msgOutboxPrefix = "sync/msgout/"
)

// MessageStore defines the append-only, per-topic notification log.
type MessageStore interface {
	// Append stores a locally received message; false if (topic, id) is already stored.
	Append(ctx context.Context, m model.NotifyMessage) (bool, error)
	// ApplyRemote stores a message received from a sibling device without requeueing it.
	ApplyRemote(ctx context.Context, m model.NotifyMessage) (bool, error)
	// GetAll returns the topic's messages ordered by publish time, then id.
	GetAll(ctx context.Context, topic string) ([]model.NotifyMessage, error)
	// RemoveAll drops every message of topic and returns how many were removed.
	RemoveAll(ctx context.Context, topic string) (int, error)
	// Count returns the number of stored messages of topic.
	Count(ctx context.Context, topic string) (int, error)
	Outbox(ctx context.Context) ([]model.NotifyMessage, error)
	Ack(ctx context.Context, m model.NotifyMessage) error
	OutboxReady() <-chan struct{}
}

type MessageStoreImpl struct {
	kv     repository.KV
	locks  keyedMutex
	outbox *outbox
	log    *zap.Logger
}

var _ MessageStore = (*MessageStoreImpl)(nil)

// NewMessageStore constructs the store over kv.
func NewMessageStore(kv repository.KV, log *zap.Logger) *MessageStoreImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageStoreImpl{kv: kv, outbox: newOutbox(kv, msgOutboxPrefix), log: log.Named("messages")}
}

func topicPrefix(topic string) string { return messagePrefix + topic + "/" }

func messageKey(topic, id string) string { return topic + "/" + url.PathEscape(id) }

func (s *MessageStoreImpl) Append(ctx context.Context, m model.NotifyMessage) (bool, error) {
	return s.append(ctx, m, true)
}

func (s *MessageStoreImpl) ApplyRemote(ctx context.Context, m model.NotifyMessage) (bool, error) {
	return s.append(ctx, m, false)
}

func (s *MessageStoreImpl) append(ctx context.Context, m model.NotifyMessage, enqueue bool) (bool, error) {
	if m.Topic == "" || m.ID == "" {
		return false, errors.New("validation: message needs topic and id")
	}
	key := messageKey(m.Topic, m.ID)
	unlock := s.locks.lock(key)
	defer unlock()

	_, err := s.kv.Get(ctx, messagePrefix+key)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return false, errs.Storage("get", messagePrefix+key, err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	if err := s.kv.Set(ctx, messagePrefix+key, raw); err != nil {
		return false, errs.Storage("set", messagePrefix+key, err)
	}
	if enqueue {
		if err := s.outbox.put(ctx, key, m); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *MessageStoreImpl) GetAll(ctx context.Context, topic string) ([]model.NotifyMessage, error) {
	all, err := s.kv.List(ctx, topicPrefix(topic))
	if err != nil {
		return nil, errs.Storage("list", topicPrefix(topic), err)
	}
	out := make([]model.NotifyMessage, 0, len(all))
	for key, raw := range all {
		var m model.NotifyMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			s.log.Warn("skip undecodable message", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.Before(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MessageStoreImpl) RemoveAll(ctx context.Context, topic string) (int, error) {
	all, err := s.kv.List(ctx, topicPrefix(topic))
	if err != nil {
		return 0, errs.Storage("list", topicPrefix(topic), err)
	}
	for key := range all {
		if err := s.kv.Remove(ctx, key); err != nil {
			return 0, errs.Storage("remove", key, err)
		}
	}
	queued, err := s.outbox.list(ctx)
	if err != nil {
		return len(all), err
	}
	for key := range queued {
		if strings.HasPrefix(key, topic+"/") {
			if err := s.outbox.remove(ctx, key); err != nil {
				return len(all), err
			}
		}
	}
	return len(all), nil
}

func (s *MessageStoreImpl) Count(ctx context.Context, topic string) (int, error) {
	all, err := s.kv.List(ctx, topicPrefix(topic))
	if err != nil {
		return 0, errs.Storage("list", topicPrefix(topic), err)
	}
	return len(all), nil
}

func (s *MessageStoreImpl) Outbox(ctx context.Context) ([]model.NotifyMessage, error) {
	all, err := s.outbox.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.NotifyMessage, 0, len(all))
	for key, raw := range all {
		var m model.NotifyMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			_ = s.outbox.remove(ctx, key)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MessageStoreImpl) Ack(ctx context.Context, m model.NotifyMessage) error {
	return s.outbox.remove(ctx, messageKey(m.Topic, m.ID))
}

func (s *MessageStoreImpl) OutboxReady() <-chan struct{} { return s.outbox.ready }

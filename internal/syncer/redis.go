package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps each account's records in a hash and announces writes on a pub/sub
// channel, so every device of the account can both catch up and follow.
type RedisStore struct {
	rdb redis.UniversalClient
	log *zap.Logger
}

var _ SyncStore = (*RedisStore)(nil)

// NewRedisStore wraps rdb.
func NewRedisStore(rdb redis.UniversalClient, log *zap.Logger) *RedisStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{rdb: rdb, log: log.Named("sync.redis")}
}

func stateKey(account string) string { return "notify:sync:" + account }

func changesChannel(account string) string { return stateKey(account) + ":changes" }

func (r *RedisStore) Put(ctx context.Context, account string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, stateKey(account), rec.field(), b)
	pipe.Publish(ctx, changesChannel(account), b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put %s: %w", rec.Key, err)
	}
	return nil
}

func (r *RedisStore) Snapshot(ctx context.Context, account string) ([]Record, error) {
	all, err := r.rdb.HGetAll(ctx, stateKey(account)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot: %w", err)
	}
	out := make([]Record, 0, len(all))
	for field, raw := range all {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.log.Warn("skip undecodable record", zap.String("field", field), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) Watch(ctx context.Context, account string) (<-chan Record, error) {
	ps := r.rdb.Subscribe(ctx, changesChannel(account))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	in := ps.Channel()
	out := make(chan Record)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var rec Record
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					r.log.Warn("skip undecodable change", zap.Error(err))
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

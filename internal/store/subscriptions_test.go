package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/goph-notify/internal/clock"
	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/repository"
	"github.com/and161185/goph-notify/internal/repository/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newSubStore(t *testing.T) *SubscriptionStoreImpl {
	t.Helper()
	return NewSubscriptionStore(memory.NewKV(), clock.New(), zaptest.NewLogger(t))
}

func sub(topic, account string, enabled ...string) model.Subscription {
	offered := []model.ScopeType{{Name: "alerts"}, {Name: "news"}}
	return model.Subscription{
		Topic:     topic,
		Account:   account,
		AppDomain: "app.example",
		Scope:     model.BuildScope(offered, enabled, 0),
		Expiry:    time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second),
	}
}

func TestUpsert_StampsAndQueues(t *testing.T) {
	t.Parallel()
	s := newSubStore(t)
	ctx := t.Context()

	got, err := s.Upsert(ctx, sub("t1", "acc", "alerts"))
	require.NoError(t, err)
	require.NotZero(t, got.MetaTS)
	require.Equal(t, got.MetaTS, got.Scope["alerts"].TS)

	stored, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"alerts"}, stored.Scope.Enabled())

	queued, err := s.Outbox(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	select {
	case <-s.OutboxReady():
	default:
		t.Fatal("outbox not signaled")
	}
}

func TestUpsert_OnlyChangedFieldSetsAreRestamped(t *testing.T) {
	t.Parallel()
	s := newSubStore(t)
	ctx := t.Context()

	first, err := s.Upsert(ctx, sub("t1", "acc", "alerts"))
	require.NoError(t, err)

	next := first.Clone()
	st := next.Scope["news"]
	st.Enabled = true
	next.Scope["news"] = st
	second, err := s.Upsert(ctx, next)
	require.NoError(t, err)

	require.Equal(t, first.MetaTS, second.MetaTS)
	require.Equal(t, first.Scope["alerts"].TS, second.Scope["alerts"].TS)
	require.Greater(t, second.Scope["news"].TS, first.Scope["news"].TS)
}

func TestGetAll_FiltersAccountAndTombstones(t *testing.T) {
	t.Parallel()
	s := newSubStore(t)
	ctx := t.Context()

	for _, sb := range []model.Subscription{sub("a", "acc1"), sub("b", "acc1"), sub("c", "acc2")} {
		_, err := s.Upsert(ctx, sb)
		require.NoError(t, err)
	}
	removed, err := s.Remove(ctx, "b")
	require.NoError(t, err)
	require.True(t, removed)

	all, err := s.GetAll(ctx, "acc1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "a", all[0].Topic)

	all, err = s.GetAll(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = s.Get(ctx, "b")
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestRemove_Twice_NoError(t *testing.T) {
	t.Parallel()
	s := newSubStore(t)
	ctx := t.Context()

	_, err := s.Upsert(ctx, sub("t1", "acc"))
	require.NoError(t, err)

	ok, err := s.Remove(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Remove(ctx, "t1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Remove(ctx, "never")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestChanges_Stream(t *testing.T) {
	t.Parallel()
	s := newSubStore(t)
	ctx, cancel := context.WithCancel(t.Context())
	ch := s.Changes(ctx)

	_, err := s.Upsert(ctx, sub("t1", "acc"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, sub("t1", "acc", "news"))
	require.NoError(t, err)
	_, err = s.Remove(ctx, "t1")
	require.NoError(t, err)

	var kinds []model.ChangeKind
	for range 3 {
		kinds = append(kinds, (<-ch).Kind)
	}
	require.Equal(t, []model.ChangeKind{model.ChangeAdded, model.ChangeUpdated, model.ChangeRemoved}, kinds)

	cancel()
	for range ch {
	}
}

func TestApplyRemote_SilentSuppressesAdded(t *testing.T) {
	t.Parallel()
	s := newSubStore(t)
	ctx := t.Context()
	ch := s.Changes(ctx)

	remote := sub("t9", "acc", "alerts")
	remote.MetaTS = 100
	got, ok, err := s.ApplyRemote(ctx, "t9", true, func(local *model.Subscription) (model.Subscription, bool) {
		require.Nil(t, local)
		return remote, true
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t9", got.Topic)

	select {
	case c := <-ch:
		t.Fatalf("unexpected change %v", c.Kind)
	default:
	}

	queued, err := s.Outbox(ctx)
	require.NoError(t, err)
	require.Empty(t, queued, "remote records are not re-propagated")

	// later local writes order after the observed remote timestamp
	local, err := s.Upsert(ctx, sub("t9", "acc"))
	require.NoError(t, err)
	require.Greater(t, local.Scope["alerts"].TS, int64(100))
}

func TestAck_KeepsNewerQueuedRecord(t *testing.T) {
	t.Parallel()
	s := newSubStore(t)
	ctx := t.Context()

	first, err := s.Upsert(ctx, sub("t1", "acc"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, sub("t1", "acc", "alerts"))
	require.NoError(t, err)

	require.NoError(t, s.Ack(ctx, first))
	queued, err := s.Outbox(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	require.NoError(t, s.Ack(ctx, queued[0]))
	queued, err = s.Outbox(ctx)
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestUpsert_ConcurrentSameTopic(t *testing.T) {
	t.Parallel()
	s := newSubStore(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			en := "alerts"
			if i%2 == 0 {
				en = "news"
			}
			if _, err := s.Upsert(ctx, sub("t1", "acc", en)); err != nil {
				t.Errorf("upsert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got.Scope.Enabled(), 1)
}

type failingKV struct{ repository.KV }

func (failingKV) Set(context.Context, string, []byte) error { return errors.New("disk full") }

func TestUpsert_StorageError(t *testing.T) {
	t.Parallel()
	s := NewSubscriptionStore(failingKV{memory.NewKV()}, clock.New(), nil)

	_, err := s.Upsert(t.Context(), sub("t1", "acc"))
	require.True(t, errors.Is(err, errs.ErrStorage))
	var se *errs.StorageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "set", se.Op)
}

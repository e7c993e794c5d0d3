package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/and161185/goph-notify/internal/clock"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/repository/memory"
	"github.com/and161185/goph-notify/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testAccount = "eip155:1:0xabc"

type fakeTopics struct {
	mu      sync.Mutex
	adopted []string
	forgot  []string
}

func (f *fakeTopics) AdoptTopic(_ context.Context, sub model.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopted = append(f.adopted, sub.Topic)
	return nil
}

func (f *fakeTopics) ForgetTopic(_ context.Context, topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, topic)
}

func (f *fakeTopics) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adopted), len(f.forgot)
}

type fakeResolver struct{ types []model.ScopeType }

func (f fakeResolver) Resolve(_ context.Context, domain string) (identity.Dapp, error) {
	return identity.Dapp{Domain: domain, Types: f.types}, nil
}

type device struct {
	svc    *Service
	subs   *store.SubscriptionStoreImpl
	msgs   *store.MessageStoreImpl
	topics *fakeTopics
}

func newDevice(t *testing.T, shared SyncStore, run bool) *device {
	t.Helper()
	log := zaptest.NewLogger(t)
	kv := memory.NewKV()
	d := &device{
		subs:   store.NewSubscriptionStore(kv, clock.New(), log),
		msgs:   store.NewMessageStore(kv, log),
		topics: &fakeTopics{},
	}
	svc, err := New(t.Context(), Deps{
		Store:    shared,
		Subs:     d.subs,
		Messages: d.msgs,
		Topics:   d.topics,
		Resolver: fakeResolver{types: []model.ScopeType{{Name: "alerts"}, {Name: "news"}}},
		KV:       kv,
	}, Config{FlushInterval: 50 * time.Millisecond}, log)
	require.NoError(t, err)
	d.svc = svc
	svc.Follow(testAccount)
	if run {
		d.start(t)
	}
	return d
}

func (d *device) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (d *device) live(t *testing.T) []model.Subscription {
	t.Helper()
	all, err := d.subs.GetAll(context.Background(), testAccount)
	require.NoError(t, err)
	return all
}

func newSub(topic string) model.Subscription {
	return model.Subscription{
		Topic:     topic,
		Account:   testAccount,
		AppDomain: "app.example",
		SymKey:    "00",
		Scope: model.Scope{
			"alerts": {Name: "alerts", Enabled: true},
			"news":   {Name: "news"},
		},
	}
}

func TestService_PropagatesSubscriptionAndMessages(t *testing.T) {
	t.Parallel()
	shared := NewMemoryStore()
	a := newDevice(t, shared, true)
	b := newDevice(t, shared, true)
	ctx := t.Context()

	// Give both watchers time to attach before writing.
	time.Sleep(100 * time.Millisecond)

	_, err := a.subs.Upsert(ctx, newSub("t1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.live(t)) == 1 }, 5*time.Second, 20*time.Millisecond)
	adopted, _ := b.topics.counts()
	require.Equal(t, 1, adopted)

	_, err = a.msgs.Append(ctx, model.NotifyMessage{ID: "m1", Topic: "t1", Title: "hi", PublishedAt: time.Now()})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := b.msgs.Count(ctx, "t1")
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	// b's applied copies are not echoed back as new local writes.
	out, err := b.subs.Outbox(ctx)
	require.NoError(t, err)
	require.Empty(t, out)

	sub, err := b.subs.Get(ctx, "t1")
	require.NoError(t, err)
	sub.Scope["news"] = model.ScopeType{Name: "news", Enabled: true}
	_, err = b.subs.Upsert(ctx, sub)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := a.subs.Get(ctx, "t1")
		return err == nil && len(got.Scope.Enabled()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	_, err = a.subs.Remove(ctx, "t1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.live(t)) == 0 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, forgot := b.topics.counts()
		return forgot == 1
	}, 5*time.Second, 20*time.Millisecond)
	n, err := b.msgs.Count(ctx, "t1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestService_ConcurrentDeletesConverge(t *testing.T) {
	t.Parallel()
	shared := NewMemoryStore()
	a := newDevice(t, shared, true)
	b := newDevice(t, shared, true)
	ctx := t.Context()
	time.Sleep(100 * time.Millisecond)

	_, err := a.subs.Upsert(ctx, newSub("t2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.live(t)) == 1 }, 5*time.Second, 20*time.Millisecond)

	var wg sync.WaitGroup
	for _, d := range []*device{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.subs.Remove(ctx, "t2"); err != nil {
				t.Errorf("remove: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, a.live(t))
	require.Empty(t, b.live(t))

	// Let the tombstones cross over; neither may bring the subscription back.
	time.Sleep(300 * time.Millisecond)
	require.Empty(t, a.live(t))
	require.Empty(t, b.live(t))
	require.Eventually(t, func() bool {
		snap, err := shared.Snapshot(ctx, testAccount)
		if err != nil || len(snap) == 0 {
			return false
		}
		for _, rec := range snap {
			var sub model.Subscription
			if json.Unmarshal(rec.Data, &sub) != nil || !sub.Deleted() {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestService_ColdStartIsSilent(t *testing.T) {
	t.Parallel()
	shared := NewMemoryStore()
	a := newDevice(t, shared, true)
	ctx := t.Context()

	_, err := a.subs.Upsert(ctx, newSub("t3"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := shared.Snapshot(ctx, testAccount)
		return err == nil && len(snap) == 1
	}, 5*time.Second, 20*time.Millisecond)

	c := newDevice(t, shared, false)
	changes := c.subs.Changes(ctx)
	c.start(t)

	require.Eventually(t, func() bool { return len(c.live(t)) == 1 }, 5*time.Second, 20*time.Millisecond)
	adopted, _ := c.topics.counts()
	require.Equal(t, 1, adopted)
	select {
	case ch := <-changes:
		t.Fatalf("unexpected change during cold start: %+v", ch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestService_IgnoresOwnRecords(t *testing.T) {
	t.Parallel()
	shared := NewMemoryStore()
	a := newDevice(t, shared, true)
	ctx := t.Context()

	rec, err := a.svc.record(prefixSubscription+"t4", 1, newSub("t4"))
	require.NoError(t, err)
	a.svc.apply(ctx, rec, false)
	require.Empty(t, a.live(t))
}

func TestService_NarrowsRemoteScopeToOffered(t *testing.T) {
	t.Parallel()
	shared := NewMemoryStore()
	b := newDevice(t, shared, false)
	ctx := t.Context()

	sub := newSub("t5")
	sub.Scope["promo"] = model.ScopeType{Name: "promo", Enabled: true, TS: 5}
	rec := Record{Key: prefixSubscription + "t5", Device: "other", TS: 5}
	rec.Data, _ = jsonOf(sub)
	b.svc.apply(ctx, rec, true)

	got, err := b.subs.Get(ctx, "t5")
	require.NoError(t, err)
	require.Equal(t, []string{"alerts", "news"}, got.Scope.Names())
}

func TestService_DeviceIDPersists(t *testing.T) {
	t.Parallel()
	kv := memory.NewKV()
	d := Deps{KV: kv}
	s1, err := New(t.Context(), d, Config{}, nil)
	require.NoError(t, err)
	s2, err := New(t.Context(), d, Config{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, s1.Device())
	require.Equal(t, s1.Device(), s2.Device())
}

func jsonOf(v any) ([]byte, error) { return json.Marshal(v) }

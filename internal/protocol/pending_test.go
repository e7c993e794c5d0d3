package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/stretchr/testify/require"
)

func newPending(id, topic string, kind model.RequestKind) *pending {
	return &pending{
		req:  model.PendingRequest{ID: id, Topic: topic, Kind: kind, IssuedAt: time.Now()},
		done: make(chan outcome, 1),
	}
}

func TestRegistry_OnePerTopicAndKind(t *testing.T) {
	t.Parallel()
	r := newRegistry()

	require.NoError(t, r.add(newPending("1", "t1", model.KindUpdate)))
	require.NoError(t, r.add(newPending("2", "t1", model.KindDelete)))
	require.NoError(t, r.add(newPending("3", "t2", model.KindUpdate)))

	err := r.add(newPending("4", "t1", model.KindUpdate))
	require.True(t, errors.Is(err, errs.ErrDuplicateRequest))

	require.True(t, r.complete("1", outcome{}))
	require.NoError(t, r.add(newPending("5", "t1", model.KindUpdate)))
	require.Len(t, r.snapshot(), 3)
}

func TestRegistry_ExpiredRequestsStayCorrelatable(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	p := newPending("1", "t1", model.KindUpdate)
	require.NoError(t, r.add(p))

	now := time.Now()
	require.True(t, r.expire("1", now.Add(time.Minute)))
	require.NoError(t, r.add(newPending("2", "t1", model.KindUpdate)), "slot released")

	got, ok := r.get("1")
	require.True(t, ok)
	require.Same(t, p, got)

	require.Empty(t, r.prune(now.Add(30*time.Second)))
	dropped := r.prune(now.Add(2 * time.Minute))
	require.Len(t, dropped, 1)
	require.Same(t, p, dropped[0])
	_, ok = r.get("1")
	require.False(t, ok)
	require.False(t, r.complete("1", outcome{}))
}

func TestRegistry_ExpireAfterCompleteReportsFalse(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	p := newPending("1", "t1", model.KindSubscribe)
	require.NoError(t, r.add(p))

	require.True(t, r.complete("1", outcome{}))
	require.False(t, r.expire("1", time.Now()))
	require.NoError(t, (<-p.done).err)
}

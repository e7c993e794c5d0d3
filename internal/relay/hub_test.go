package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, r Relay) Envelope {
	t.Helper()
	select {
	case env := <-r.Messages():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope")
		return Envelope{}
	}
}

func TestHub_PublishSubscribe(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	a, b := hub.Connect(), hub.Connect()
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	ctx := t.Context()

	require.NoError(t, a.Subscribe(ctx, "t1"))
	require.NoError(t, b.Subscribe(ctx, "t1"))
	require.NoError(t, a.Publish(ctx, "t1", []byte("hello")))

	env := recv(t, b)
	require.Equal(t, "t1", env.Topic)
	require.Equal(t, []byte("hello"), env.Payload)

	select {
	case env := <-a.Messages():
		t.Fatalf("publisher received its own envelope %q", env.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_MailboxHeldUntilSubscribe(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	a, b := hub.Connect(), hub.Connect()
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	ctx := t.Context()

	require.NoError(t, a.Publish(ctx, "t1", []byte("one")))
	require.NoError(t, a.Publish(ctx, "t1", []byte("two")))
	require.NoError(t, b.Subscribe(ctx, "t1"))

	require.Equal(t, []byte("one"), recv(t, b).Payload)
	require.Equal(t, []byte("two"), recv(t, b).Payload)
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	a, b := hub.Connect(), hub.Connect()
	t.Cleanup(a.Close)
	ctx := t.Context()

	require.NoError(t, b.Subscribe(ctx, "t1"))
	require.NoError(t, b.Unsubscribe(ctx, "t1"))
	require.NoError(t, a.Publish(ctx, "t1", []byte("x")))

	select {
	case <-b.Messages():
		t.Fatal("unsubscribed conn got an envelope")
	case <-time.After(50 * time.Millisecond):
	}

	b.Close()
	_, open := <-b.Messages()
	require.False(t, open)
	require.ErrorIs(t, b.Publish(ctx, "t1", nil), ErrNotConnected)
}

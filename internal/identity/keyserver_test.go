package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeKeyserver stores did:key → account registrations.
type fakeKeyserver struct {
	mu       sync.Mutex
	accounts map[string]string
	fails    atomic.Int32
}

func (f *fakeKeyserver) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		if f.fails.Load() > 0 {
			f.fails.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var b registerBody
		_ = json.NewDecoder(r.Body).Decode(&b)
		f.mu.Lock()
		f.accounts[b.PublicKey] = b.Account
		f.mu.Unlock()
	}).Methods(http.MethodPost)
	r.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		var b registerBody
		_ = json.NewDecoder(r.Body).Decode(&b)
		f.mu.Lock()
		delete(f.accounts, b.PublicKey)
		f.mu.Unlock()
	}).Methods(http.MethodDelete)
	r.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		acc, ok := f.accounts[r.URL.Query().Get("publicKey")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		var resp identityResponse
		resp.Value.Account = acc
		_ = json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodGet)
	return r
}

func TestKeyserver_RegisterResolveUnregister(t *testing.T) {
	t.Parallel()
	f := &fakeKeyserver{accounts: map[string]string{}}
	f.fails.Store(2)
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	ks := NewKeyserver(srv.URL, srv.Client(), zaptest.NewLogger(t))
	priv := newKey(t)
	pub := priv.Public().(ed25519.PublicKey)

	ctx := t.Context()
	require.NoError(t, ks.Register(ctx, "eip155:1:0xabc", pub))

	acc, err := ks.ResolveAccount(ctx, pub)
	require.NoError(t, err)
	require.Equal(t, "eip155:1:0xabc", acc)

	require.NoError(t, ks.Unregister(ctx, pub))
	_, err = ks.ResolveAccount(ctx, pub)
	require.True(t, errors.Is(err, errs.ErrResolution))
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestKeyserver_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	ks := NewKeyserver(srv.URL, srv.Client(), nil)
	err := ks.Register(t.Context(), "eip155:1:0xabc", newKey(t).Public().(ed25519.PublicKey))
	require.True(t, errors.Is(err, errs.ErrResolution))
	require.Equal(t, int32(1), calls.Load())
}

// Package publishertest runs a publisher behind an httptest server for wallet-side tests.
package publishertest

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/and161185/goph-notify/internal/crypto/clientcrypto"
	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/identity"
	"github.com/and161185/goph-notify/internal/kms"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/publisher"
	"github.com/and161185/goph-notify/internal/relay"
	"github.com/and161185/goph-notify/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

// FastKDF keeps keystore unlocking cheap in tests.
var FastKDF = clientcrypto.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

// Accounts is an in-memory keyserver.
type Accounts struct {
	mu sync.Mutex
	m  map[string]string
}

// NewAccounts returns an empty registry.
func NewAccounts() *Accounts { return &Accounts{m: make(map[string]string)} }

// Register binds pub to account.
func (a *Accounts) Register(account string, pub ed25519.PublicKey) {
	a.mu.Lock()
	a.m[identity.EncodeDIDKey(pub)] = account
	a.mu.Unlock()
}

func (a *Accounts) ResolveAccount(_ context.Context, pub ed25519.PublicKey) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.m[identity.EncodeDIDKey(pub)]
	if !ok {
		return "", fmt.Errorf("identity: %w", errs.ErrNotFound)
	}
	return acc, nil
}

// Dapp is a running publisher.
type Dapp struct {
	*publisher.Publisher
	Domain string
	Client *http.Client
}

// NewKMS opens an empty keystore.
func NewKMS(t *testing.T) *kms.Service {
	t.Helper()
	k, err := kms.Open(context.Background(), memory.NewKV(), []byte("test"), FastKDF)
	if err != nil {
		t.Fatalf("open kms: %v", err)
	}
	return k
}

// Start serves a publisher offering types on hub until the test ends.
func Start(t *testing.T, hub *relay.Hub, accounts publisher.AccountResolver, types []model.ScopeType) *Dapp {
	t.Helper()
	var handler http.Handler = http.NotFoundHandler()
	var mu sync.RWMutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.RLock()
		h := handler
		mu.RUnlock()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	domain := strings.TrimPrefix(srv.URL, "http://")

	conn := hub.Connect()
	t.Cleanup(conn.Close)
	ctx, cancel := context.WithCancel(context.Background())
	p, err := publisher.New(ctx, domain, NewKMS(t), conn, accounts,
		model.DappMetadata{Name: "Test Dapp", Description: "test publisher", URL: "https://" + domain},
		types, zaptest.NewLogger(t))
	if err != nil {
		cancel()
		t.Fatalf("start publisher: %v", err)
	}
	mu.Lock()
	handler = p.Handler()
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &Dapp{Publisher: p, Domain: domain, Client: srv.Client()}
}

// Resolver returns a did:web resolver that reaches the test server over plain http.
func (d *Dapp) Resolver(t *testing.T) *identity.WebResolver {
	return identity.NewWebResolver(memory.NewKV(), zaptest.NewLogger(t),
		identity.WithScheme("http"), identity.WithHTTPClient(d.Client))
}

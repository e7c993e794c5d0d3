package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/repository"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Well-known documents served by every publisher.
const (
	DIDDocumentPath  = "/.well-known/did.json"
	NotifyConfigPath = "/.well-known/wc-notify-config.json"

	keyAgreementFragment   = "#wc-notify-subscribe-key"
	authenticationFragment = "#wc-notify-authentication-key"

	cachePrefix = "dapps/"
)

// Dapp is a resolved publisher identity.
type Dapp struct {
	Domain         string             `json:"domain"`
	KeyAgreement   string             `json:"keyAgreement"`   // hex X25519 public key
	Authentication string             `json:"authentication"` // did:key of the Ed25519 signing key
	Metadata       model.DappMetadata `json:"metadata"`
	Types          []model.ScopeType  `json:"types"`
	FetchedAt      time.Time          `json:"fetchedAt"`
}

// AuthKey decodes the publisher's signing key.
func (d Dapp) AuthKey() (ed25519.PublicKey, error) { return DecodeDIDKey(d.Authentication) }

// JWK is the subset of RFC 7517 used by notify DID documents.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// VerificationMethod is a DID document key entry.
type VerificationMethod struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Controller   string `json:"controller"`
	PublicKeyJwk JWK    `json:"publicKeyJwk"`
}

// DIDDocument is a did:web document.
type DIDDocument struct {
	Context            []string             `json:"@context,omitempty"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	KeyAgreement       []string             `json:"keyAgreement"`
	Authentication     []string             `json:"authentication"`
}

// NotifyConfig is the publisher's advertised metadata and notification types.
type NotifyConfig struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Icons       []string          `json:"icons,omitempty"`
	Types       []model.ScopeType `json:"types"`
}

// NewDIDDocument builds the document a publisher serves for domain.
func NewDIDDocument(domain, keyAgreementHex string, auth ed25519.PublicKey) (DIDDocument, error) {
	ka, err := hex.DecodeString(keyAgreementHex)
	if err != nil {
		return DIDDocument{}, fmt.Errorf("key agreement key: %w", err)
	}
	id := DIDWeb(domain)
	return DIDDocument{
		Context: []string{"https://www.w3.org/ns/did/v1", "https://w3id.org/security/suites/jws-2020/v1"},
		ID:      id,
		VerificationMethod: []VerificationMethod{
			{
				ID: id + keyAgreementFragment, Type: "JsonWebKey2020", Controller: id,
				PublicKeyJwk: JWK{Kty: "OKP", Crv: "X25519", X: base64.RawURLEncoding.EncodeToString(ka)},
			},
			{
				ID: id + authenticationFragment, Type: "JsonWebKey2020", Controller: id,
				PublicKeyJwk: JWK{Kty: "OKP", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(auth)},
			},
		},
		KeyAgreement:   []string{id + keyAgreementFragment},
		Authentication: []string{id + authenticationFragment},
	}, nil
}

func (d DIDDocument) key(refs []string, crv string) ([]byte, error) {
	for _, ref := range refs {
		for _, vm := range d.VerificationMethod {
			if vm.ID != ref || vm.PublicKeyJwk.Crv != crv {
				continue
			}
			raw, err := base64.RawURLEncoding.DecodeString(vm.PublicKeyJwk.X)
			if err != nil || len(raw) != 32 {
				return nil, fmt.Errorf("bad %s jwk in %s", crv, vm.ID)
			}
			return raw, nil
		}
	}
	return nil, fmt.Errorf("no %s key in %s", crv, d.ID)
}

// WebResolver resolves did:web publishers, caching results in the KV store.
type WebResolver struct {
	kv      repository.KV
	http    *http.Client
	log     *zap.Logger
	ttl     time.Duration
	scheme  string
	now     func() time.Time
	backoff func() retry.Backoff
}

// WebOption customizes a WebResolver.
type WebOption func(*WebResolver)

// WithScheme overrides the "https" scheme used to fetch well-known documents.
func WithScheme(s string) WebOption { return func(r *WebResolver) { r.scheme = s } }

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) WebOption { return func(r *WebResolver) { r.http = c } }

// WithCacheTTL sets how long a cached dapp stays valid.
func WithCacheTTL(d time.Duration) WebOption { return func(r *WebResolver) { r.ttl = d } }

// NewWebResolver builds a resolver caching into kv.
func NewWebResolver(kv repository.KV, log *zap.Logger, opts ...WebOption) *WebResolver {
	if log == nil {
		log = zap.NewNop()
	}
	r := &WebResolver{
		kv:     kv,
		http:   http.DefaultClient,
		log:    log.Named("didweb"),
		ttl:    time.Hour,
		scheme: "https",
		now:    time.Now,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(100*time.Millisecond))
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the cached dapp if still fresh, fetching it otherwise.
func (r *WebResolver) Resolve(ctx context.Context, domain string) (Dapp, error) {
	raw, err := r.kv.Get(ctx, cachePrefix+domain)
	switch {
	case err == nil:
		var d Dapp
		if json.Unmarshal(raw, &d) == nil && r.now().Sub(d.FetchedAt) < r.ttl {
			return d, nil
		}
	case !errors.Is(err, errs.ErrNotFound):
		r.log.Warn("dapp cache read failed", zap.String("domain", domain), zap.Error(err))
	}
	return r.ResolveFresh(ctx, domain)
}

// ResolveFresh fetches the publisher documents, bypassing and then refreshing the cache.
func (r *WebResolver) ResolveFresh(ctx context.Context, domain string) (Dapp, error) {
	base := r.scheme + "://" + domain
	var doc DIDDocument
	if err := r.getJSON(ctx, base+DIDDocumentPath, &doc); err != nil {
		return Dapp{}, &errs.ResolutionError{Target: DIDWeb(domain), Err: err}
	}
	var cfg NotifyConfig
	if err := r.getJSON(ctx, base+NotifyConfigPath, &cfg); err != nil {
		return Dapp{}, &errs.ResolutionError{Target: DIDWeb(domain), Err: err}
	}
	ka, err := doc.key(doc.KeyAgreement, "X25519")
	if err != nil {
		return Dapp{}, &errs.ResolutionError{Target: DIDWeb(domain), Err: err}
	}
	auth, err := doc.key(doc.Authentication, "Ed25519")
	if err != nil {
		return Dapp{}, &errs.ResolutionError{Target: DIDWeb(domain), Err: err}
	}
	d := Dapp{
		Domain:         domain,
		KeyAgreement:   hex.EncodeToString(ka),
		Authentication: EncodeDIDKey(ed25519.PublicKey(auth)),
		Metadata: model.DappMetadata{
			Name:        cfg.Name,
			Description: cfg.Description,
			URL:         "https://" + domain,
			Icons:       cfg.Icons,
		},
		Types:     cfg.Types,
		FetchedAt: r.now(),
	}
	if raw, err := json.Marshal(d); err == nil {
		if err := r.kv.Set(ctx, cachePrefix+domain, raw); err != nil {
			r.log.Warn("dapp cache write failed", zap.String("domain", domain), zap.Error(err))
		}
	}
	return d, nil
}

func (r *WebResolver) getJSON(ctx context.Context, u string, dst any) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		raw, err := fetch(r.http, req)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dst)
	})
}

package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Keyserver is an HTTP client of the identity keyserver.
type Keyserver struct {
	base    string
	http    *http.Client
	log     *zap.Logger
	backoff func() retry.Backoff
}

// NewKeyserver builds a client against baseURL. A nil httpClient means http.DefaultClient.
func NewKeyserver(baseURL string, httpClient *http.Client, log *zap.Logger) *Keyserver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Keyserver{
		base: strings.TrimRight(baseURL, "/"),
		http: httpClient,
		log:  log.Named("keyserver"),
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
		},
	}
}

// URL is the keyserver base url put into the "ksu" claim.
func (k *Keyserver) URL() string { return k.base }

type registerBody struct {
	Account   string `json:"account"`
	PublicKey string `json:"publicKey"`
}

type identityResponse struct {
	Value struct {
		Account string `json:"account"`
	} `json:"value"`
}

// Register publishes the account's identity key.
func (k *Keyserver) Register(ctx context.Context, account string, pub ed25519.PublicKey) error {
	body, err := json.Marshal(registerBody{Account: account, PublicKey: EncodeDIDKey(pub)})
	if err != nil {
		return err
	}
	_, err = k.do(ctx, http.MethodPost, k.base+"/identity", body, "register "+account)
	return err
}

// Unregister removes the identity key from the keyserver.
func (k *Keyserver) Unregister(ctx context.Context, pub ed25519.PublicKey) error {
	did := EncodeDIDKey(pub)
	body, err := json.Marshal(map[string]string{"publicKey": did})
	if err != nil {
		return err
	}
	_, err = k.do(ctx, http.MethodDelete, k.base+"/identity", body, "unregister "+did)
	return err
}

// ResolveAccount returns the account an identity key is registered for.
func (k *Keyserver) ResolveAccount(ctx context.Context, pub ed25519.PublicKey) (string, error) {
	did := EncodeDIDKey(pub)
	u := k.base + "/identity?publicKey=" + url.QueryEscape(did)
	raw, err := k.do(ctx, http.MethodGet, u, nil, did)
	if err != nil {
		return "", err
	}
	var resp identityResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Value.Account == "" {
		return "", &errs.ResolutionError{Target: did, Err: errors.New("malformed keyserver response")}
	}
	return resp.Value.Account, nil
}

func (k *Keyserver) do(ctx context.Context, method, u string, body []byte, target string) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, k.backoff(), func(ctx context.Context) error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		out, err = fetch(k.http, req)
		if err != nil {
			k.log.Debug("keyserver call failed", zap.String("method", method), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, &errs.ResolutionError{Target: target, Err: err}
	}
	return out, nil
}

type statusError struct{ code int }

func (e statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// fetch runs req and returns the body of a 2xx response. Transport errors and 5xx/429
// answers are retryable.
func fetch(c *http.Client, req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.ErrNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.RetryableError(statusError{resp.StatusCode})
	default:
		return nil, statusError{resp.StatusCode}
	}
}

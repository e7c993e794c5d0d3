package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/server/httpapi"
	"github.com/gorilla/websocket"
)

// apiClient speaks the notifyd /v1 API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx answer from the daemon.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("notifyd: %s", http.StatusText(e.Status))
	}
	return fmt.Sprintf("notifyd: %s (%d)", e.Message, e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type account struct {
	Account     string `json:"account"`
	IdentityKey string `json:"identityKey,omitempty"`
}

func (c *apiClient) Register(ctx context.Context, acc string) (account, error) {
	var out account
	err := c.do(ctx, http.MethodPost, "/v1/accounts", account{Account: acc}, &out)
	return out, err
}

func (c *apiClient) Unregister(ctx context.Context, acc string) error {
	return c.do(ctx, http.MethodDelete, "/v1/accounts/"+url.PathEscape(acc), nil, nil)
}

func (c *apiClient) Accounts(ctx context.Context) ([]account, error) {
	var out []account
	err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, &out)
	return out, err
}

func (c *apiClient) Subscriptions(ctx context.Context, acc string) ([]httpapi.Subscription, error) {
	var out []httpapi.Subscription
	err := c.do(ctx, http.MethodGet, "/v1/subscriptions?account="+url.QueryEscape(acc), nil, &out)
	return out, err
}

func (c *apiClient) Subscribe(ctx context.Context, appDomain, acc string, scope []string) (httpapi.Subscription, error) {
	var out httpapi.Subscription
	in := map[string]any{"appDomain": appDomain, "account": acc}
	if len(scope) > 0 {
		in["scope"] = scope
	}
	err := c.do(ctx, http.MethodPost, "/v1/subscriptions", in, &out)
	return out, err
}

func (c *apiClient) Update(ctx context.Context, topic string, scope []string) (httpapi.Subscription, error) {
	var out httpapi.Subscription
	if scope == nil {
		scope = []string{}
	}
	err := c.do(ctx, http.MethodPatch, "/v1/subscriptions/"+url.PathEscape(topic), map[string]any{"scope": scope}, &out)
	return out, err
}

func (c *apiClient) Delete(ctx context.Context, topic string) error {
	return c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(topic), nil, nil)
}

func (c *apiClient) Messages(ctx context.Context, topic string) ([]model.NotifyMessage, error) {
	var out []model.NotifyMessage
	err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(topic)+"/messages", nil, &out)
	return out, err
}

func (c *apiClient) Pending(ctx context.Context) ([]model.PendingRequest, error) {
	var out []model.PendingRequest
	err := c.do(ctx, http.MethodGet, "/v1/pending", nil, &out)
	return out, err
}

// Watch streams change events to fn until ctx ends or the daemon closes the stream.
func (c *apiClient) Watch(ctx context.Context, fn func(httpapi.Event) error) error {
	u, err := url.Parse(c.base + "/v1/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	hdr := http.Header{}
	if c.token != "" {
		hdr.Set("Authorization", "Bearer "+c.token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return &apiError{Status: resp.StatusCode}
		}
		return err
	}
	defer ws.Close()

	go func() {
		<-ctx.Done()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}()
	for {
		var ev httpapi.Event
		if err := ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/server/auth"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeNotifier struct {
	mu       sync.Mutex
	subs     map[string]model.Subscription
	accounts []string
	err      error
	changes  chan model.Change
	watching chan struct{}
}

var _ Notifier = (*fakeNotifier)(nil)

func newFake() *fakeNotifier {
	return &fakeNotifier{
		subs:     make(map[string]model.Subscription),
		changes:  make(chan model.Change, 4),
		watching: make(chan struct{}, 1),
	}
}

func (f *fakeNotifier) Register(_ context.Context, account string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, account)
	return "did:key:z6Mktest", nil
}

func (f *fakeNotifier) Unregister(_ context.Context, account string) error { return f.err }

func (f *fakeNotifier) Accounts(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accounts...), f.err
}

func (f *fakeNotifier) Subscribe(_ context.Context, appDomain, account string, scope []string) (model.Subscription, error) {
	if f.err != nil {
		return model.Subscription{}, f.err
	}
	sub := model.Subscription{
		Topic: "t-" + appDomain, Account: account, AppDomain: appDomain, SymKey: "secret",
		Scope: model.BuildScope([]model.ScopeType{{Name: "alerts"}, {Name: "news"}}, scope, 1),
	}
	f.mu.Lock()
	f.subs[sub.Topic] = sub
	f.mu.Unlock()
	return sub, nil
}

func (f *fakeNotifier) Update(_ context.Context, topic string, scope []string) (model.Subscription, error) {
	if f.err != nil {
		return model.Subscription{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[topic]
	if !ok {
		return model.Subscription{}, errs.ErrNotFound
	}
	sub.Scope = model.BuildScope([]model.ScopeType{{Name: "alerts"}, {Name: "news"}}, scope, 2)
	f.subs[topic] = sub
	return sub, nil
}

func (f *fakeNotifier) Delete(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
	return f.err
}

func (f *fakeNotifier) GetActiveSubscriptions(_ context.Context, account string) ([]model.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Subscription
	for _, s := range f.subs {
		if account == "" || s.Account == account {
			out = append(out, s)
		}
	}
	return out, f.err
}

func (f *fakeNotifier) GetMessages(_ context.Context, topic string) ([]model.NotifyMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[topic]; !ok {
		return nil, fmt.Errorf("topic %s: %w", topic, errs.ErrNotFound)
	}
	return []model.NotifyMessage{{ID: "m1", Topic: topic, Title: "hi"}}, nil
}

func (f *fakeNotifier) SubscriptionsChanged(context.Context) <-chan model.Change {
	f.watching <- struct{}{}
	return f.changes
}

func (f *fakeNotifier) Pending() []model.PendingRequest {
	return []model.PendingRequest{{ID: "r1", Topic: "t", Kind: model.KindUpdate}}
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_SubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	f := newFake()
	h := New(f, nil, zaptest.NewLogger(t)).Handler()

	rec := do(t, h, http.MethodPost, "/v1/accounts", `{"account":"eip155:1:0xabc"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.JSONEq(t, `{"account":"eip155:1:0xabc","identityKey":"did:key:z6Mktest"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/subscriptions", `{"appDomain":"app.example","account":"eip155:1:0xabc","scope":["alerts"]}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sub Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	require.Equal(t, "t-app.example", sub.Topic)
	require.Equal(t, []ScopeType{{Name: "alerts", Enabled: true}, {Name: "news"}}, sub.Scope)
	require.NotContains(t, rec.Body.String(), "secret")

	rec = do(t, h, http.MethodPatch, "/v1/subscriptions/t-app.example", `{"scope":["alerts","news"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	require.True(t, sub.Scope[1].Enabled)

	rec = do(t, h, http.MethodGet, "/v1/subscriptions?account=eip155:1:0xabc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = do(t, h, http.MethodGet, "/v1/subscriptions/t-app.example/messages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"m1"`)

	rec = do(t, h, http.MethodDelete, "/v1/subscriptions/t-app.example", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/subscriptions/t-app.example/messages", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"r1"`)
}

func TestAPI_BadRequests(t *testing.T) {
	t.Parallel()
	h := New(newFake(), nil, zaptest.NewLogger(t)).Handler()

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/accounts", `{}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/subscriptions", `{"account":"a"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPatch, "/v1/subscriptions/x", `not json`, nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPatch, "/v1/subscriptions/x", `{"scope":[]}`, nil).Code)
	require.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPut, "/v1/subscriptions", ``, nil).Code)
}

func TestStatus_MapsErrorTaxonomy(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{errs.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", errs.ErrInvalidScope), http.StatusBadRequest},
		{&errs.DuplicateRequestError{Topic: "t", Kind: "update"}, http.StatusConflict},
		{&errs.RejectedError{Code: 3001, Message: "nope"}, http.StatusUnprocessableEntity},
		{&errs.RequestTimeoutError{ID: "1"}, http.StatusGatewayTimeout},
		{&errs.ResolutionError{Target: "app.example", Err: errs.ErrNotFound}, http.StatusNotFound},
		{&errs.ResolutionError{Target: "app.example", Err: fmt.Errorf("dial")}, http.StatusBadGateway},
		{errs.ErrSignatureVerification, http.StatusBadGateway},
		{errs.ErrUnauthorized, http.StatusUnauthorized},
		{&errs.StorageError{Op: "set", Key: "k", Err: fmt.Errorf("disk")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, status(tc.err), tc.err.Error())
	}
}

func TestAPI_InternalErrorsAreNotLeaked(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.err = &errs.StorageError{Op: "list", Key: "accounts/", Err: fmt.Errorf("pq: password authentication failed")}
	h := New(f, nil, zaptest.NewLogger(t)).Handler()

	rec := do(t, h, http.MethodGet, "/v1/accounts", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal"}`, rec.Body.String())
}

func TestAPI_BearerAuth(t *testing.T) {
	t.Parallel()
	key := []byte("api-key")
	h := New(newFake(), key, zaptest.NewLogger(t)).Handler()

	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/v1/accounts", "", nil).Code)

	bad, err := auth.Issue([]byte("other"), "operator", time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/v1/accounts", "", http.Header{"Authorization": {"Bearer " + bad}}).Code)

	good, err := auth.Issue(key, "operator", time.Minute)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/v1/accounts", "", http.Header{"Authorization": {"Bearer " + good}}).Code)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodGet, "/healthz", "", nil).Code)
}

func TestAPI_EventStream(t *testing.T) {
	t.Parallel()
	f := newFake()
	srv := httptest.NewServer(New(f, nil, zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.DialContext(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	select {
	case <-f.watching:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never subscribed")
	}
	f.changes <- model.Change{Kind: model.ChangeAdded, Subscription: model.Subscription{Topic: "t1", SymKey: "secret"}}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&ev))
	require.Equal(t, model.ChangeAdded, ev.Kind)
	require.Equal(t, "t1", ev.Subscription.Topic)
	require.NotContains(t, string(data), "secret")
}

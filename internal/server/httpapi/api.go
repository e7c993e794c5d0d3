// Package httpapi exposes the notify client to local applications over HTTP: accounts,
// subscriptions, message history and a websocket stream of subscription changes.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/and161185/goph-notify/internal/errs"
	"github.com/and161185/goph-notify/internal/model"
	"github.com/and161185/goph-notify/internal/server/auth"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Notifier is the consumer surface of the notify client.
type Notifier interface {
	Register(ctx context.Context, account string) (string, error)
	Unregister(ctx context.Context, account string) error
	Accounts(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context, appDomain, account string, scope []string) (model.Subscription, error)
	Update(ctx context.Context, topic string, scope []string) (model.Subscription, error)
	Delete(ctx context.Context, topic string) error
	GetActiveSubscriptions(ctx context.Context, account string) ([]model.Subscription, error)
	GetMessages(ctx context.Context, topic string) ([]model.NotifyMessage, error)
	SubscriptionsChanged(ctx context.Context) <-chan model.Change
	Pending() []model.PendingRequest
}

// Server routes API requests to a Notifier.
type Server struct {
	n        Notifier
	key      []byte
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// New returns the API. A nil key disables bearer authentication.
func New(n Notifier, key []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		n:   n,
		key: key,
		log: log.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.logging, s.authenticate)
	v1.HandleFunc("/accounts", s.listAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts", s.register).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{account}", s.unregister).Methods(http.MethodDelete)
	v1.HandleFunc("/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions", s.subscribe).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions/{topic}", s.update).Methods(http.MethodPatch)
	v1.HandleFunc("/subscriptions/{topic}", s.delete).Methods(http.MethodDelete)
	v1.HandleFunc("/subscriptions/{topic}/messages", s.messages).Methods(http.MethodGet)
	v1.HandleFunc("/pending", s.pending).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.events).Methods(http.MethodGet)
	return r
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.key == nil {
			next.ServeHTTP(w, r)
			return
		}
		tok, err := auth.Bearer(r.Header.Values("Authorization")...)
		if err == nil {
			var sub string
			if sub, err = auth.Verify(s.key, tok); err == nil {
				next.ServeHTTP(w, r.WithContext(auth.WithSubject(r.Context(), sub)))
				return
			}
		}
		s.fail(w, err)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the recorder.
func (r *statusRecorder) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// --- DTOs ---

type accountRequest struct {
	Account string `json:"account"`
}

type accountResponse struct {
	Account     string `json:"account"`
	IdentityKey string `json:"identityKey,omitempty"`
}

type subscribeRequest struct {
	AppDomain string   `json:"appDomain"`
	Account   string   `json:"account"`
	Scope     []string `json:"scope,omitempty"`
}

type updateRequest struct {
	Scope []string `json:"scope"`
}

// Subscription is the public view of a subscription; key material stays inside.
type Subscription struct {
	Topic     string             `json:"topic"`
	Account   string             `json:"account"`
	AppDomain string             `json:"appDomain"`
	Metadata  model.DappMetadata `json:"metadata"`
	Scope     []ScopeType        `json:"scope"`
	Expiry    time.Time          `json:"expiry"`
}

type ScopeType struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Event is one entry of the change stream.
type Event struct {
	Kind         model.ChangeKind `json:"kind"`
	Subscription Subscription     `json:"subscription"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func view(s model.Subscription) Subscription {
	out := Subscription{
		Topic:     s.Topic,
		Account:   s.Account,
		AppDomain: s.AppDomain,
		Metadata:  s.Metadata,
		Expiry:    s.Expiry,
		Scope:     make([]ScopeType, 0, len(s.Scope)),
	}
	for _, name := range s.Scope.Names() {
		t := s.Scope[name]
		out.Scope = append(out.Scope, ScopeType{Name: name, Description: t.Description, Enabled: t.Enabled})
	}
	return out
}

func views(subs []model.Subscription) []Subscription {
	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic < subs[j].Topic })
	out := make([]Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, view(s))
	}
	return out
}

// --- handlers ---

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.n.Accounts(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountResponse{Account: a})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "account is required"})
		return
	}
	did, err := s.n.Register(r.Context(), req.Account)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{Account: req.Account, IdentityKey: did})
}

func (s *Server) unregister(w http.ResponseWriter, r *http.Request) {
	if err := s.n.Unregister(r.Context(), mux.Vars(r)["account"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.n.GetActiveSubscriptions(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views(subs))
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppDomain == "" || req.Account == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "appDomain and account are required"})
		return
	}
	sub, err := s.n.Subscribe(r.Context(), req.AppDomain, req.Account, req.Scope)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(sub))
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed body"})
		return
	}
	sub, err := s.n.Update(r.Context(), mux.Vars(r)["topic"], req.Scope)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(sub))
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.n.Delete(r.Context(), mux.Vars(r)["topic"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.n.GetMessages(r.Context(), mux.Vars(r)["topic"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) pending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.n.Pending())
}

// status maps the error taxonomy onto HTTP.
func status(err error) int {
	var rej *errs.RejectedError
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrDuplicateRequest):
		return http.StatusConflict
	case errors.As(err, &rej):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errs.ErrResolution), errors.Is(err, errs.ErrSignatureVerification):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := status(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		msg = "internal"
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

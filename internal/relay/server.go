package relay

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

// Server exposes a Hub over websocket.
type Server struct {
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer serves hub to websocket clients.
func NewServer(hub *Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		hub: hub,
		log: log.Named("relay-server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(readLimit)
	conn := s.hub.Connect()
	defer conn.Close()
	defer ws.Close()

	var writeMu sync.Mutex
	write := func(f frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return ws.WriteJSON(f)
	}

	go func() {
		for env := range conn.Messages() {
			f := frame{Method: methodMessage, Topic: env.Topic, Message: base64.StdEncoding.EncodeToString(env.Payload)}
			if err := write(f); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				_ = ws.Close()
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			s.log.Debug("client gone", zap.Error(err))
			return
		}
		ack := frame{ID: f.ID, OK: true}
		if err := s.handle(ctx, conn, f); err != nil {
			ack = frame{ID: f.ID, Error: err.Error()}
		}
		if err := write(ack); err != nil {
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, conn *Conn, f frame) error {
	switch f.Method {
	case methodPublish:
		payload, err := base64.StdEncoding.DecodeString(f.Message)
		if err != nil {
			return err
		}
		return conn.Publish(ctx, f.Topic, payload)
	case methodSubscribe:
		return conn.Subscribe(ctx, f.Topic)
	case methodUnsubscribe:
		return conn.Unsubscribe(ctx, f.Topic)
	default:
		return errUnknownMethod(f.Method)
	}
}

type errUnknownMethod string

func (e errUnknownMethod) Error() string { return "unknown method " + string(e) }

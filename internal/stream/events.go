// Package stream pushes lifecycle events to operators over WebSocket.
package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/browserbase-geo/internal/events"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server streams bus events, optionally filtered by ?session= and ?region=
type Server struct {
	bus    *events.Bus
	logger logger.Logger
}

func NewServer(bus *events.Bus, log logger.Logger) *Server {
	return &Server{bus: bus, logger: log}
}

type filter struct {
	session string
	region  string
}

func (f filter) match(e events.Event) bool {
	if f.session != "" && e.SessionID != f.session {
		return false
	}
	if f.region != "" && e.RegionID != f.region {
		return false
	}
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f := filter{
		session: r.URL.Query().Get("session"),
		region:  r.URL.Query().Get("region"),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade event stream", logger.Error(err))
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(64)
	defer sub.Close()

	s.logger.Debug("event stream opened", logger.String("remote", r.RemoteAddr))

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if !f.match(e) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", logger.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			s.logger.Debug("event stream closed", logger.String("remote", r.RemoteAddr))
			return
		}
	}
}

// readPump consumes control frames so pongs and close frames are processed
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("event stream read error", logger.Error(err))
			}
			return
		}
	}
}

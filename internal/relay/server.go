package relay

import (
	"errors"
	"log"
	"net/http"
	"time"
	"vestnik/internal/metrics"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 << 10

type tokenLookup interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth     tokenLookup
	hub      *Hub
	metrics  *metrics.Relay
	upgrader *websocket.Upgrader
}

func NewServer(auth tokenLookup, hub *Hub, mt *metrics.Relay) *Server {
	return &Server{
		auth:    auth,
		hub:     hub,
		metrics: mt,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections upgrades an authenticated request and serves the peer
// until it disconnects. The token comes from the token query parameter or
// header.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("token")
	}
	userID, err := s.auth.GetUserID(token)
	if err != nil {
		s.metrics.Rejected()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := NewConnection(s.hub, ws, userID)
	if err := conn.Handle(r.Context()); err != nil {
		if errors.Is(err, ErrReplaced) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return
		}
		log.Printf("connection of %s ended: %v", userID, err)
	}
}

package ws

import (
	"log/slog"
	"net/http"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/gorilla/websocket"
)

type Server struct {
	hub      *Hub
	log      *slog.Logger
	upgrader *websocket.Upgrader
}

func NewServer(hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		hub: hub,
		log: log.With("component", "ws"),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleConnections upgrades the request and runs the connection until the
// client goes away. Session identity rides in the query string; a tab that
// omits its id gets a server-generated one, which costs it echo suppression
// for nothing else.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info := ClientInfo{
		TabID:      q.Get("tab_id"),
		UserID:     q.Get("user_id"),
		UserName:   q.Get("user_name"),
		Avatar:     q.Get("avatar"),
		Theme:      q.Get("theme"),
		ScheduleID: q.Get("schedule_id"),
	}
	if info.ScheduleID == "" || info.UserID == "" {
		http.Error(w, "schedule_id and user_id are required", http.StatusBadRequest)
		return
	}
	if info.TabID == "" {
		info.TabID = gonanoid.Must()
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade to websocket", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, info)
	if err := conn.Handle(r.Context()); err != nil {
		s.log.Debug("connection closed", "tabId", info.TabID, "error", err)
	}
}

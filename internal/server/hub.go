package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// hub fans run events out to websocket clients. All client bookkeeping
// happens on the run goroutine.
type hub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

func (h *hub) send(ctx context.Context, message []byte) {
	select {
	case h.broadcast <- message:
	case <-ctx.Done():
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx := r.Context()
	select {
	case s.hub.register <- conn:
	case <-ctx.Done():
		conn.Close()
		return
	case <-s.hub.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.hub.done:
				conn.Close()
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/goobd/internal/connection"
	"github.com/shaunagostinho/goobd/internal/obd"
)

// Event is the JSON structure sent to WebSocket clients. Type is "reading"
// or "state".
type Event struct {
	Type    string       `json:"type"`
	Reading *obd.Reading `json:"reading,omitempty"`
	State   *StateChange `json:"state,omitempty"`
	Stamp   int64        `json:"stamp"`
}

type StateChange struct {
	Connection string           `json:"connection"`
	From       connection.State `json:"from"`
	To         connection.State `json:"to"`
	Error      string           `json:"error,omitempty"`
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan Event
	units obd.Units
}

// hub fans events out to connected WebSocket clients. A client that cannot
// keep up misses events rather than slowing the others.
type hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub(log *zap.Logger) *hub {
	return &hub{log: log, clients: make(map[*wsClient]struct{})}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

// BroadcastReading sends a polled reading to every client.
func (s *Server) BroadcastReading(r obd.Reading) {
	s.hub.broadcast(Event{Type: "reading", Reading: &r, Stamp: time.Now().UnixMilli()})
}

// BroadcastState sends a connection state change to every client.
func (s *Server) BroadcastState(id string, from, to connection.State, err error) {
	sc := &StateChange{Connection: id, From: from, To: to}
	if err != nil {
		sc.Error = err.Error()
	}
	s.hub.broadcast(Event{Type: "state", State: sc, Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		conn:  conn,
		send:  make(chan Event, 64),
		units: s.units(r),
	}

	s.hub.mu.Lock()
	s.hub.clients[client] = struct{}{}
	n := len(s.hub.clients)
	s.hub.mu.Unlock()
	s.log.Debug("ws client connected", zap.Int("clients", n))

	// Writer
	go func() {
		defer conn.Close()
		for ev := range client.send {
			if ev.Reading != nil {
				conv := ev.Reading.Convert(client.units)
				ev.Reading = &conv
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				break
			}
		}
	}()

	// Reader: only keeps the connection alive and notices the close.
	go func() {
		defer func() {
			s.hub.mu.Lock()
			delete(s.hub.clients, client)
			n := len(s.hub.clients)
			s.hub.mu.Unlock()
			close(client.send)
			s.log.Debug("ws client disconnected", zap.Int("clients", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

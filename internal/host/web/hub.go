package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/geocore/internal/app"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is what the websocket sends: a rendered view, or the transitions
// of an event the client sent.
type Message struct {
	Type        string           `json:"type"`
	View        *app.ViewModel   `json:"view,omitempty"`
	Transitions []TransitionJSON `json:"transitions,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Hub fans rendered views out to websocket clients. A client that falls
// behind by more than its buffer is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	logger  *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (cl *client) close() {
	cl.once.Do(func() { close(cl.send) })
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger.With("component", "hub")}
}

// Broadcast sends vm to every client. It never blocks, so it can be used
// as a host.Renderer.
func (h *Hub) Broadcast(vm *app.ViewModel) {
	data, err := json.Marshal(Message{Type: "view", View: vm})
	if err != nil {
		h.logger.Error("encode view", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default:
			h.logger.Warn("websocket client too slow, disconnecting")
			delete(h.clients, cl)
			cl.close()
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for cl := range h.clients {
		delete(h.clients, cl)
		cl.close()
	}
}

func (h *Hub) add(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = struct{}{}
	return true
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		cl.close()
	}
}

// handleSocket upgrades the connection, sends the current view and then
// relays views. Text frames from the client are JSON event envelopes; each
// is dispatched and answered with its transitions.
func (s *Server) handleSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.hub.add(cl) {
		conn.Close()
		return
	}

	first, _ := json.Marshal(Message{Type: "view", View: s.eng.View()})
	s.hub.sendTo(cl, first)

	go s.writeLoop(cl)
	s.readLoop(c, cl)
}

func (s *Server) writeLoop(cl *client) {
	defer cl.conn.Close()
	for data := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.hub.remove(cl)
			// Drain so Broadcast never sees a full buffer of a dead client.
			for range cl.send {
			}
			return
		}
	}
	cl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) readLoop(c *gin.Context, cl *client) {
	defer s.hub.remove(cl)
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		reply := Message{Type: "transitions"}
		ev, err := app.DecodeEventJSON(data)
		if err != nil {
			reply.Error = err.Error()
		} else {
			ts, derr := s.eng.Dispatch(c.Request.Context(), ev)
			reply.Transitions = transitionsJSON(ts)
			if halted := s.eng.Halted(); halted != nil {
				reply.Error = halted.Error()
			} else if derr != nil {
				s.logger.Warn("dispatch reported errors", "event", ev.Kind(), "error", derr)
			}
		}
		out, _ := json.Marshal(reply)
		if !s.hub.sendTo(cl, out) {
			return
		}
	}
}

// sendTo queues data for one client. It reports false once the client is
// gone.
func (h *Hub) sendTo(cl *client, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; !ok {
		return false
	}
	select {
	case cl.send <- data:
		return true
	default:
		delete(h.clients, cl)
		cl.close()
		return false
	}
}

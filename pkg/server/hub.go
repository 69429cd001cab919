package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/metrics"
	"github.com/chazu/brickforge/pkg/regen"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// EventMessage is one websocket frame on /api/events.
type EventMessage struct {
	Type       string            `json:"type"` // hello | built | failed | edited
	At         time.Time         `json:"at"`
	State      string            `json:"state,omitempty"`
	Params     *brick.Parameters `json:"params,omitempty"`
	Generation uint64            `json:"generation"`
	BuildID    string            `json:"buildId,omitempty"`
	Error      string            `json:"error,omitempty"`
	Kind       string            `json:"kind,omitempty"`
}

func eventMessage(ev regen.Event) EventMessage {
	p := ev.Params
	msg := EventMessage{Type: string(ev.Type), At: ev.At, Params: &p}
	if ev.Snapshot != nil {
		msg.Generation = ev.Snapshot.Generation
		msg.BuildID = ev.Snapshot.BuildID.String()
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
		msg.Kind = brick.KindOf(ev.Err).String()
	}
	return msg
}

// client is one connected event stream. out is bounded; done closes
// when the client is removed for any reason.
type client struct {
	id   uint64
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// hub fans controller events out to websocket clients. A client whose
// queue is full is dropped rather than allowed to stall the build that
// published the event.
type hub struct {
	log   *zap.Logger
	met   *metrics.Metrics
	queue int
	hello func() EventMessage

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func newHub(log *zap.Logger, met *metrics.Metrics, queue int, hello func() EventMessage) *hub {
	return &hub{
		log:   log,
		met:   met,
		queue: queue,
		hello: hello,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) helloMessage() EventMessage {
	msg := EventMessage{
		Type:       "hello",
		At:         time.Now(),
		State:      s.ctrl.State().String(),
		Generation: s.ctrl.Generation(),
	}
	if snap, ok := s.ctrl.Current(); ok {
		p := snap.Params
		msg.Params = &p
		msg.BuildID = snap.BuildID.String()
	}
	return msg
}

func (h *hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.met != nil {
		h.met.WebsocketClients.Inc()
	}
	return true
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		if h.met != nil {
			h.met.WebsocketClients.Dec()
		}
	}
	h.mu.Unlock()
	c.stop()
}

// count returns the number of connected clients.
func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast is the controller listener. It never blocks.
func (h *hub) broadcast(ev regen.Event) {
	b, err := json.Marshal(eventMessage(ev))
	if err != nil {
		h.log.Error("marshal event", zap.Error(err))
		return
	}

	var slow []*client
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.out <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.log.Warn("dropping slow event client", zap.Uint64("client", c.id))
		if h.met != nil {
			h.met.EventsDropped.Inc()
		}
		h.remove(c)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
	}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &client{
		id:   h.nextID.Add(1),
		out:  make(chan []byte, h.queue),
		done: make(chan struct{}),
	}
	if hello, err := json.Marshal(h.hello()); err == nil {
		c.out <- hello
	}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		return
	}
	defer h.remove(c)
	h.log.Debug("event client connected", zap.Uint64("client", c.id), zap.String("remote", r.RemoteAddr))

	// Writer goroutine.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case b := <-c.out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					c.stop()
					_ = conn.Close()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.stop()
					_ = conn.Close()
					return
				}
			}
		}
	}()

	// Reader loop: clients send nothing but control frames; reading keeps
	// pongs and close frames flowing.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	c.stop()
	select {
	case <-writeDone:
	case <-time.After(500 * time.Millisecond):
	}
	h.log.Debug("event client disconnected", zap.Uint64("client", c.id))
}

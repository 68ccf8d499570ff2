package broadcast

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/korovkin/limiter"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// ClientObserver is told the client count whenever it changes
type ClientObserver interface {
	ClientsChanged(n int)
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	done chan struct{}

	wmu sync.Mutex
}

// Hub keeps the WebSocket clients and fans messages out to them
type Hub struct {
	upgrader    websocket.Upgrader
	maxParallel int
	observer    ClientObserver

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub accepts upgrades from the given browser origins, "*" meaning any.
// With no origins only same-host pages may connect.
func NewHub(origins []string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		maxParallel: 10,
		clients:     make(map[*client]struct{}),
	}
}

// originChecker returns nil for an empty list, leaving the upgrader's
// same-origin check in place
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(_ *http.Request) bool { return true }
		}
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// not a browser
			return true
		}

		_, ok := allowed[strings.ToLower(origin)]
		if !ok {
			logging.Logger(r.Context()).Warnf("websocket origin %q refused", origin)
		}
		return ok
	}
}

func (h *Hub) WithObserver(o ClientObserver) *Hub {
	h.observer = o
	return h
}

// WithMaxParallel bounds the number of concurrent client writes
func (h *Hub) WithMaxParallel(n int) *Hub {
	if n > 0 {
		h.maxParallel = n
	}
	return h
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) countChanged(n int) {
	logging.Logger(nil).Debugf("websocket clients: %d", n)
	if h.observer != nil {
		h.observer.ClientsChanged(n)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.countChanged(n)
}

// unregister closes the client once, whoever gets here first
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !existed {
		return
	}

	close(c.done)
	c.conn.Close()
	h.countChanged(n)
}

// ServeHTTP upgrades the request and registers the new client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger(r.Context()).WithError(err).Error("websocket upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		done: make(chan struct{}),
	}
	h.register(c)

	logging.Logger(r.Context()).Infof("websocket client connected from %s", r.RemoteAddr)

	go c.pingLoop()
	go c.readLoop()
}

// Broadcast writes data to every client, at most maxParallel at a time.
// Clients that fail the write are dropped.
func (h *Hub) Broadcast(data []byte) int {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return 0
	}

	var sent int
	var sentMu sync.Mutex

	limit := limiter.NewConcurrencyLimiter(h.maxParallel)
	for _, c := range clients {
		c := c
		limit.ExecuteWithTicket(func(ticket int) {
			if err := c.write(websocket.TextMessage, data); err != nil {
				logging.Logger(nil).WithError(err).Debugf("broadcast %d: dropping client", ticket)
				h.unregister(c)
				return
			}
			sentMu.Lock()
			sent++
			sentMu.Unlock()
		})
	}
	limit.Wait()

	return sent
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		h.unregister(c)
	}
}

func (c *client) write(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// readLoop discards client messages and notices disconnects
func (c *client) readLoop() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Logger(nil).WithError(err).Warn("websocket read error")
			} else {
				logging.Logger(nil).Info("websocket disconnected")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

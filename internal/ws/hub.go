package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/evetabi/strikemarket/internal/domain"
	"github.com/evetabi/strikemarket/internal/history"
	"github.com/evetabi/strikemarket/internal/service"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// ──────────────────────────────────────────────────────────────────────────────
// Tunables
// ──────────────────────────────────────────────────────────────────────────────

const (
	writeDeadline  = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = 35 * time.Second // must be > pingInterval
	maxMessageSize = 512              // bytes; clients only send subscribe frames
	sendBufferSize = 256              // messages in each client send channel
	acquireTimeout = 10 * time.Second
)

// Views hands out running market views; implemented by service.Registry.
type Views interface {
	Acquire(ctx context.Context, id domain.MarketID) (*service.MarketView, func(), error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Client
// ──────────────────────────────────────────────────────────────────────────────

// Client represents one connected WebSocket endpoint.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte        // buffered outbound message queue
	caller domain.Participant // empty = anonymous
	closed bool               // send is closed; guarded by hub.mu

	mu      sync.Mutex
	market  domain.MarketID
	release func()
}

func (c *Client) following() domain.MarketID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.market
}

// follow swaps the followed market, releasing the previous view.
func (c *Client) follow(id domain.MarketID, release func()) {
	c.mu.Lock()
	prev := c.release
	c.market, c.release = id, release
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Hub
// ──────────────────────────────────────────────────────────────────────────────

type outbound struct {
	market domain.MarketID
	data   []byte
}

// Hub maintains the set of active clients and routes per-market pushes.
// Run() must be called in a dedicated goroutine before ServeWs is used.
type Hub struct {
	// Registered clients and their concurrency guard.
	mu      sync.RWMutex
	clients map[*Client]bool

	// channels consumed by Run()
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	views  Views
	logger *slog.Logger

	// JWT signing key (optional – if empty, all connections are anonymous)
	jwtSecret []byte

	// upgrader is safe for concurrent use after construction.
	upgrader websocket.Upgrader
}

var _ service.Publisher = (*Hub)(nil)

// NewHub creates a Hub ready to be started with Run().
// jwtSecret may be nil; WS connections will then be treated as anonymous.
func NewHub(jwtSecret []byte, allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 512),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		jwtSecret:  jwtSecret,
		logger:     logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true // dev mode: allow all
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// Attach sets the view source. The registry takes the hub as its
// publisher, so the two are wired after construction.
func (h *Hub) Attach(v Views) { h.views = v }

// ──────────────────────────────────────────────────────────────────────────────
// Run: hub event loop
// ──────────────────────────────────────────────────────────────────────────────

// Run processes registration, unregistration, and broadcast events
// sequentially until ctx is cancelled. Call it once as a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			dropped := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				h.drop(client)
				dropped = append(dropped, client)
			}
			h.mu.Unlock()
			for _, client := range dropped {
				client.follow("", nil)
			}
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			h.mu.Unlock()
			client.follow("", nil)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.following() != msg.market {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Client's buffer full, drop the message for this client.
					// The next refresh carries the full series again.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	client.closed = true
}

func (h *Hub) isClosed(client *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.closed
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ──────────────────────────────────────────────────────────────────────────────
// ServeWs: HTTP → WebSocket upgrade
// ──────────────────────────────────────────────────────────────────────────────

// ServeWs upgrades an HTTP request to a WebSocket connection, optionally
// authenticates the caller via a JWT in the ?token= query parameter, and
// starts the read/write pumps. A ?market= parameter subscribes immediately.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}

	var caller domain.Participant // empty = anonymous
	if token := r.URL.Query().Get("token"); token != "" && len(h.jwtSecret) > 0 {
		caller = h.parseJWT(token)
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		caller: caller,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	if id := r.URL.Query().Get("market"); id != "" {
		go h.subscribe(client, domain.MarketID(id))
	}
}

// parseJWT extracts the participant from a signed token's subject.
// Returns "" on any failure (treated as anonymous).
func (h *Hub) parseJWT(tokenString string) domain.Participant {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return ""
	}
	sub, _ := tok.Claims.GetSubject()
	return domain.Participant(sub)
}

// ──────────────────────────────────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────────────────────────────────

func (h *Hub) subscribe(c *Client, id domain.MarketID) {
	if h.views == nil {
		h.SendError(c, string(domain.KindUnknown), "market views unavailable")
		return
	}
	if c.following() == id {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	view, release, err := h.views.Acquire(ctx, id)
	if err != nil {
		h.SendError(c, string(domain.KindOf(err)), err.Error())
		return
	}
	c.follow(view.ID(), release)
	if h.isClosed(c) {
		// disconnected while the view was opening
		c.follow("", nil)
		return
	}

	now := time.Now()
	h.sendJSON(c, SubscribedMessage{Type: MsgTypeSubscribed, MarketID: view.ID(), Source: view.SourceName(), Timestamp: now})
	h.sendJSON(c, StateMessage{Type: MsgTypeState, MarketID: view.ID(), Summary: view.Summary()})
	h.sendJSON(c, SeriesMessage{Type: MsgTypeSeries, MarketID: view.ID(), Points: view.Series(), Timestamp: now})

	if c.caller != "" {
		rep, err := view.Position(ctx, c.caller)
		if err != nil {
			h.logger.Debug("position lookup failed", "market", id, "err", err)
			return
		}
		h.sendJSON(c, PositionMessage{Type: MsgTypePosition, MarketID: view.ID(), Report: rep})
	}
}

func (h *Hub) handle(c *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.SendError(c, "bad_request", "malformed message")
		return
	}
	switch msg.Type {
	case MsgTypeSubscribe:
		if msg.MarketID == "" {
			h.SendError(c, "bad_request", "market_id is required")
			return
		}
		h.subscribe(c, msg.MarketID)
	case MsgTypeUnsubscribe:
		c.follow("", nil)
	default:
		h.SendError(c, "bad_request", "unknown message type")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Client pumps
// ──────────────────────────────────────────────────────────────────────────────

// writePump drains the client's send channel and writes messages to the
// WebSocket connection.  It also sends ping frames every pingInterval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads subscribe/unsubscribe frames and handles pongs. When the
// connection drops the client is unregistered and its view released.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("unexpected close", "caller", c.caller, "err", err)
			}
			return
		}
		c.hub.handle(c, data)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Publisher: implements service.Publisher
// ──────────────────────────────────────────────────────────────────────────────

// PublishState pushes a market summary to the market's followers.
func (h *Hub) PublishState(id domain.MarketID, s domain.MarketSummary) {
	h.broadcastJSON(id, StateMessage{Type: MsgTypeState, MarketID: id, Summary: s})
}

// PublishSeries pushes a rebuilt position series to the market's followers.
func (h *Hub) PublishSeries(id domain.MarketID, points []history.Point) {
	h.broadcastJSON(id, SeriesMessage{Type: MsgTypeSeries, MarketID: id, Points: points, Timestamp: time.Now()})
}

// broadcastJSON is the common marshalling path.
func (h *Hub) broadcastJSON(id domain.MarketID, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal error", "err", err)
		return
	}
	select {
	case h.broadcast <- outbound{market: id, data: data}:
	default:
		h.logger.Warn("broadcast channel full, message dropped", "market", id)
	}
}

func (h *Hub) sendJSON(client *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal error", "err", err)
		return
	}
	h.deliver(client, data)
}

// deliver queues data unless the client has already been dropped.
func (h *Hub) deliver(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if client.closed {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// SendError writes an error message directly to one client's send channel.
func (h *Hub) SendError(client *Client, code, message string) {
	data, err := json.Marshal(ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	h.deliver(client, data)
}

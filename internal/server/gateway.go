package server

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"net/http"
	"nexus-relay/internal/auth"
	"nexus-relay/internal/metrics"
	"nexus-relay/internal/relay"
	"nexus-relay/internal/storage"
	"nexus-relay/internal/storage/zapadapter"
	"sync"
	"time"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueSize  = 256
	defaultMaxSize = 64 << 10
)

var (
	errConnClosed   = errors.New("connection is closed")
	errSlowConsumer = errors.New("send queue is full")
)

// Store is everything the gateway needs from persistence
type Store interface {
	relay.MessageStore
	auth.UserStore
	SearchUsers(ctx context.Context, query string) ([]storage.Profile, error)
	History(ctx context.Context, a, b string) ([]storage.Message, error)
	Contacts(ctx context.Context, username string) ([]string, error)
}

// Authenticator is the credential collaborator consumed by the gateway
type Authenticator interface {
	Register(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) (storage.Profile, error)
	UpdateProfile(ctx context.Context, username, avatar, bio string) (storage.Profile, error)
}

// outFrame is written to clients; request_id is set only on acks
type outFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload"`
}

// Gateway owns websocket connections. It is the only caller of Registry.Register and Registry.Remove.
type Gateway struct {
	logger     *zap.SugaredLogger
	store      Store
	auth       Authenticator
	registry   *relay.Registry
	dispatcher *relay.Dispatcher
	ledger     *relay.Ledger
	signaling  *relay.Signaling
	upgrader   websocket.Upgrader
	parsers    fastjson.ParserPool

	frameRate    rate.Limit
	frameBurst   int
	maxFrameSize int64
	storeTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*client
}

func newGateway(logger *zap.SugaredLogger, store Store, authenticator Authenticator) *Gateway {
	registry := relay.NewRegistry()
	return &Gateway{
		logger:     logger,
		store:      store,
		auth:       authenticator,
		registry:   registry,
		dispatcher: relay.NewDispatcher(logger, store, registry),
		ledger:     relay.NewLedger(logger, store, registry),
		signaling:  relay.NewSignaling(logger, registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		frameRate:    20,
		frameBurst:   40,
		maxFrameSize: defaultMaxSize,
		clients:      make(map[string]*client),
	}
}

// client is one websocket connection. identity and profile are touched only by the reader goroutine.
type client struct {
	id      string
	ws      *websocket.Conn
	logger  *zap.SugaredLogger
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	identity string
	profile  storage.Profile
}

func (c *client) ID() string { return c.id }

// Send queues an event for the writer goroutine. A client that cannot keep up is disconnected.
func (c *client) Send(event string, payload interface{}) error {
	return c.write(outFrame{Type: event, Payload: payload})
}

func (c *client) write(f outFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump drains the send queue and keeps the connection alive with pings
func (c *client) writePump(logger *zap.SugaredLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Debugf("write: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debugf("ping: %v", err)
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and serves the connection until it is closed
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debugf("upgrade: %v", err)
		return
	}

	id, ok := zapadapter.ConnIDFromContext(r.Context())
	if !ok {
		id = xid.New().String()
	}

	c := &client{
		id:      id,
		ws:      ws,
		logger:  g.logger.With("conn_id", id),
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(g.frameRate, g.frameBurst),
	}

	g.track(c)
	go c.writePump(c.logger)

	ctx, cancel := context.WithCancel(zapadapter.NewContextWithConnID(context.Background(), id))
	defer cancel()

	g.readPump(ctx, c)
	c.close()
	g.untrack(c)
	g.disconnect(c)
}

func (g *Gateway) track(c *client) {
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
	metrics.Connections.Inc()
}

func (g *Gateway) untrack(c *client) {
	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
	metrics.Connections.Dec()
}

func (g *Gateway) connected() []*client {
	g.mu.Lock()
	defer g.mu.Unlock()
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	return clients
}

// closeAll closes every open connection; it is registered to run on http.Server shutdown
func (g *Gateway) closeAll() {
	for _, c := range g.connected() {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		c.close()
	}
}

func (g *Gateway) readPump(ctx context.Context, c *client) {
	c.ws.SetReadLimit(g.maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugf("read: %v", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.logger.Warn("frame rate exceeded, closing connection")
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded"),
				time.Now().Add(writeWait))
			return
		}

		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		g.handleFrame(ctx, c, data)
	}
}

// login binds identity to c and announces the new online set
func (g *Gateway) login(c *client, profile storage.Profile) {
	if c.identity != "" && c.identity != profile.Username {
		g.registry.Remove(c)
	}
	c.identity = profile.Username
	c.profile = profile
	c.logger = c.logger.With("identity", profile.Username)

	snapshot := g.registry.Register(profile, c)
	metrics.OnlineUsers.Set(float64(g.registry.Len()))
	g.broadcastPresence(snapshot)
}

// disconnect drops the presence entry of c, if it still owns one, and announces the online set
func (g *Gateway) disconnect(c *client) {
	if identity, removed := g.registry.Remove(c); removed {
		c.logger.Debugf("User (%s) went offline", identity)
		metrics.OnlineUsers.Set(float64(g.registry.Len()))
	}
	g.broadcastPresence(g.registry.Snapshot())
}

// broadcastPresence sends the online set to every open connection, logged in or not
func (g *Gateway) broadcastPresence(snapshot []storage.Profile) {
	for _, c := range g.connected() {
		if err := c.Send(relay.EventUsersUpdate, snapshot); err != nil {
			g.logger.Debugf("users_update to connection (%s): %v", c.id, err)
		}
	}
}

// opContext bounds a single store-backed operation when a store timeout is configured
func (g *Gateway) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.storeTimeout > 0 {
		return context.WithTimeout(ctx, g.storeTimeout)
	}
	return context.WithCancel(ctx)
}

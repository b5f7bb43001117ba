// Package gateway routes real-time events between browser clients and the
// pillar agent services over a single multiplexed WebSocket per client.
// Logical channels (the shared guide channel and one per pillar) are
// dispatched per connection and fanned out to every subscriber across the
// gateway fleet through the shared connection registry and broadcast medium.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/symphainy/gateway/internal/auth"
	"github.com/symphainy/gateway/internal/metrics"
	"github.com/symphainy/gateway/internal/registry"
	"github.com/symphainy/gateway/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Gateway.
type Options struct {
	InstanceID          string
	AllowedOrigins      []string
	MaxMessageBytes     int64 // max inbound WebSocket message size (default 64KB)
	MaxConnsPerIdentity int   // 0 = unlimited

	QueueCapacity     int           // per (connection, channel) outbound queue (default 256)
	BreakerThreshold  int           // consecutive full-queue failures before opening (default 5)
	BreakerCooldown   time.Duration // open -> half_open delay (default 5s)
	BreakerMaxBackoff time.Duration // cap for reopen backoff (default 1m)

	HeartbeatInterval time.Duration // eviction sweep interval (default 10s)
	HeartbeatTimeout  time.Duration // max heartbeat silence before eviction (default 30s)
}

func (o *Options) applyDefaults() {
	if o.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "gateway"
		}
		o.InstanceID = host + "-" + uuid.New().String()[:8]
	}
	if o.MaxMessageBytes == 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.QueueCapacity == 0 {
		o.QueueCapacity = 256
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown == 0 {
		o.BreakerCooldown = 5 * time.Second
	}
	if o.BreakerMaxBackoff == 0 {
		o.BreakerMaxBackoff = time.Minute
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
}

// Gateway accepts client connections, routes their envelopes, and fans
// published payloads out to the whole fleet.
type Gateway struct {
	opts      Options
	validator auth.Validator
	reg       registry.Registry
	broker    registry.Broker
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	handlers  map[string]handlerFunc

	mu              sync.RWMutex
	conns           map[string]*conn
	connsByIdentity map[string]int
}

// New creates a Gateway over the given session validator, registry, and
// broadcast medium.
func New(validator auth.Validator, reg registry.Registry, broker registry.Broker, logger *slog.Logger, opts Options) *Gateway {
	opts.applyDefaults()

	g := &Gateway{
		opts:            opts,
		validator:       validator,
		reg:             reg,
		broker:          broker,
		logger:          logger.With("component", "gateway", "instance", opts.InstanceID),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		conns:           make(map[string]*conn),
		connsByIdentity: make(map[string]int),
	}
	// Dispatch table: the closed set of client envelope types.
	g.handlers = map[string]handlerFunc{
		protocol.TypeSubscribe:   g.handleSubscribe,
		protocol.TypeUnsubscribe: g.handleUnsubscribe,
		protocol.TypePublish:     g.handlePublish,
		protocol.TypePing:        g.handlePing,
		protocol.TypePong:        g.handlePong,
	}
	return g
}

// InstanceID returns this gateway's fleet-wide identifier.
func (g *Gateway) InstanceID() string { return g.opts.InstanceID }

// Handler returns the HTTP surface: /ws, /healthz, /metrics.
func (g *Gateway) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/ws", g.handleWS)
	mux.Get("/healthz", g.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start launches the background loops: the broadcast listener that receives
// cross-instance frames and the heartbeat/eviction monitor. It returns once
// both are running; they stop when ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.broker.Listen(ctx, g.opts.InstanceID, g.redispatch); err != nil {
		return fmt.Errorf("start broadcast listener: %w", err)
	}
	go g.runEvictionMonitor(ctx)
	return nil
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	count := len(g.conns)
	g.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"instance":    g.opts.InstanceID,
		"connections": count,
	})
}

// handleWS accepts one client connection and runs its read loop until the
// socket dies or the connection is closed.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		metrics.ConnectionsRejected.Inc()
		return
	}

	connID := uuid.New().String()
	c := newConn(connID, ws, g.logger, queueOptions{
		capacity:   g.opts.QueueCapacity,
		threshold:  g.opts.BreakerThreshold,
		cooldown:   g.opts.BreakerCooldown,
		maxBackoff: g.opts.BreakerMaxBackoff,
	})

	// Token attached at accept time, if the client could set headers.
	// Browsers usually can't; they carry it in the first envelope instead.
	var acceptAuthFailed bool
	if token := bearerToken(r); token != "" {
		identity, err := g.validator.ValidateToken(r.Context(), token)
		if err != nil {
			acceptAuthFailed = true
		} else if !g.adoptIdentity(c, identity) {
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
			_ = ws.Close()
			metrics.ConnectionsRejected.Inc()
			return
		}
	}

	// Registry registration is the accept gate: if the shared store is
	// unreachable, fail fast with a close code rather than accept a
	// connection no other instance can see.
	identityStr := ""
	if id := c.getIdentity(); id != nil {
		identityStr = id.Subject
	}
	regCtx, cancelReg := context.WithTimeout(context.Background(), 5*time.Second)
	err = g.reg.Register(regCtx, registry.Registration{
		ConnID:     connID,
		InstanceID: g.opts.InstanceID,
		Identity:   identityStr,
		CreatedAt:  c.created,
	})
	cancelReg()
	if err != nil {
		g.logger.Error("registry register failed", "conn_id", connID, "error", err)
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registry unavailable"))
		_ = ws.Close()
		g.releaseIdentity(c)
		metrics.ConnectionsRejected.Inc()
		return
	}

	g.mu.Lock()
	g.conns[connID] = c
	g.mu.Unlock()

	ws.SetReadLimit(g.opts.MaxMessageBytes)
	cancelKeepalive := c.startKeepalive()

	// The welcome must be the first server-originated envelope.
	c.send(protocol.NewWelcome(connID, nil))
	if acceptAuthFailed {
		c.sendError("", protocol.CodeUnauthenticated, "invalid session token")
	}
	_ = c.transition(stateOpen)
	metrics.ConnectionsOpened.Inc()
	g.logger.Info("client connected", "conn_id", connID, "authenticated", c.authenticated())

	defer func() {
		cancelKeepalive()
		c.close(websocket.CloseNormalClosure, "")
		g.cleanup(c)
		g.logger.Info("client disconnected", "conn_id", connID)
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			g.logger.Debug("read error", "conn_id", connID, "error", err)
			return
		}
		// Any inbound traffic resets the transport read deadline.
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		if !c.allowMessage() {
			metrics.MessagesDropped.WithLabelValues(metrics.ReasonRateLimited).Inc()
			g.logger.Debug("message rate limited", "conn_id", connID)
			continue
		}

		env, err := protocol.Parse(msg)
		if err != nil {
			// Malformed input is a client bug, not a fatal condition.
			c.sendError("", protocol.CodeBadEnvelope, "malformed envelope")
			continue
		}

		g.dispatch(r.Context(), c, env)
	}
}

// bearerToken extracts a session token from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return t
	}
	return ""
}

// adoptIdentity binds an identity to a connection, enforcing the
// per-identity connection cap. Returns false if the cap is exceeded.
func (g *Gateway) adoptIdentity(c *conn, identity *auth.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.opts.MaxConnsPerIdentity > 0 && g.connsByIdentity[identity.Subject] >= g.opts.MaxConnsPerIdentity {
		return false
	}
	g.connsByIdentity[identity.Subject]++
	c.setIdentity(identity)
	return true
}

func (g *Gateway) releaseIdentity(c *conn) {
	identity := c.getIdentity()
	if identity == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connsByIdentity[identity.Subject]--
	if g.connsByIdentity[identity.Subject] <= 0 {
		delete(g.connsByIdentity, identity.Subject)
	}
}

// cleanup removes a connection from local maps and the shared registry.
// Safe to reach from both the read-loop defer and the eviction monitor.
func (g *Gateway) cleanup(c *conn) {
	g.mu.Lock()
	_, present := g.conns[c.id]
	delete(g.conns, c.id)
	g.mu.Unlock()

	if !present {
		return // another path already cleaned up
	}

	g.releaseIdentity(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.reg.Deregister(ctx, c.id); err != nil {
		g.logger.Warn("deregister failed", "conn_id", c.id, "error", err)
	}
	metrics.ConnectionsClosed.Inc()
}

// localConn returns a locally-held connection by ID.
func (g *Gateway) localConn(connID string) *conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[connID]
}

// localSubscribers snapshots the locally-held connections subscribed to a
// channel.
func (g *Gateway) localSubscribers(channel string) []*conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*conn
	for _, c := range g.conns {
		if c.subscribed(channel) {
			out = append(out, c)
		}
	}
	return out
}

// CloseAll force-closes every local connection. Used on shutdown.
func (g *Gateway) CloseAll() {
	g.mu.RLock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "gateway shutting down")
		g.cleanup(c)
	}
}

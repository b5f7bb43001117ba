package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/symphainy/gateway/internal/auth"
	"github.com/symphainy/gateway/pkg/protocol"
)

const (
	// wsPingInterval is how often the gateway sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for any traffic from the peer.
	wsPongWait = 60 * time.Second
)

// connState is the connection lifecycle state machine.
type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// connTransitions enumerates the legal lifecycle transitions.
var connTransitions = map[connState][]connState{
	stateConnecting: {stateOpen, stateClosing},
	stateOpen:       {stateClosing},
	stateClosing:    {stateClosed},
	stateClosed:     {},
}

// conn is one client connection: the socket, its write mutex, its local view
// of subscriptions, its heartbeat stamp, and its outbound queues. Owned
// exclusively by the gateway instance that accepted it; other instances only
// ever see its ID through the registry.
type conn struct {
	id      string
	ws      *websocket.Conn
	logger  *slog.Logger
	created time.Time

	writeMu sync.Mutex // serializes all socket writes

	mu            sync.Mutex
	state         connState
	identity      *auth.Identity // nil until the session validator approves a token
	subs          map[string]bool
	lastHeartbeat time.Time
	msgTokens     float64
	msgLastTime   time.Time

	out       *outbound
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, logger *slog.Logger, opts queueOptions) *conn {
	c := &conn{
		id:            id,
		ws:            ws,
		logger:        logger,
		created:       time.Now(),
		state:         stateConnecting,
		subs:          make(map[string]bool),
		lastHeartbeat: time.Now(),
	}
	c.out = newOutbound(opts, c.send)
	return c
}

// transition moves the lifecycle state, rejecting anything not in the table.
func (c *conn) transition(to connState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range connTransitions[c.state] {
		if allowed == to {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal connection transition %s -> %s", c.state, to)
}

func (c *conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// authenticated reports whether the session validator has approved a token.
func (c *conn) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity != nil
}

func (c *conn) setIdentity(id *auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

func (c *conn) getIdentity() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Local subscription view. The registry is the fleet-wide truth; this mirror
// answers the hot-path questions (publish authorization, frame re-dispatch)
// without a registry round-trip.
func (c *conn) addSub(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[channel] = true
}

func (c *conn) removeSub(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, channel)
}

func (c *conn) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[channel]
}

func (c *conn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// heartbeat stamps the last time the client proved liveness.
func (c *conn) heartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

func (c *conn) lastBeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// allowMessage is a per-connection token bucket for inbound envelopes.
func (c *conn) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.msgLastTime.IsZero() {
		c.msgTokens = burst
		c.msgLastTime = now
	}

	elapsed := now.Sub(c.msgLastTime).Seconds()
	c.msgTokens += elapsed * rate
	if c.msgTokens > burst {
		c.msgTokens = burst
	}
	c.msgLastTime = now

	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}

// send marshals and writes one envelope under the write mutex.
func (c *conn) send(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("send failed", "conn_id", c.id, "type", env.Type, "error", err)
	}
}

// sendError reports a client protocol error. The connection stays open.
func (c *conn) sendError(channel, code, message string) {
	c.send(protocol.NewError(channel, code, message))
}

// close tears the connection down exactly once: lifecycle transition, close
// frame, socket close, drain goroutines stopped. Registry deregistration is
// the caller's concern and is idempotent across close paths.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.transition(stateClosing)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
		c.writeMu.Unlock()

		_ = c.ws.Close()
		c.out.close()
		_ = c.transition(stateClosed)
	})
}

// startKeepalive sets up WebSocket-level ping/pong on the connection. It sets
// a read deadline, installs a pong handler, and starts a goroutine that sends
// periodic pings. The returned cancel function stops the ping goroutine.
func (c *conn) startKeepalive() (cancel func()) {
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

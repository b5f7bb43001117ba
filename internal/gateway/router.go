package gateway

import (
	"context"
	"time"

	"github.com/symphainy/gateway/internal/registry"
	"github.com/symphainy/gateway/pkg/protocol"
)

// handlerFunc processes one parsed client envelope.
type handlerFunc func(ctx context.Context, c *conn, env *protocol.Envelope)

// dispatch authenticates the envelope if it carries a token, enforces the
// unauthenticated allowance, and routes to the type handler.
func (g *Gateway) dispatch(ctx context.Context, c *conn, env *protocol.Envelope) {
	if env.SessionToken != "" && !c.authenticated() {
		identity, err := g.validator.ValidateToken(ctx, env.SessionToken)
		if err != nil {
			c.sendError(env.Channel, protocol.CodeUnauthenticated, "invalid session token")
			return
		}
		if !g.adoptIdentity(c, identity) {
			c.sendError(env.Channel, protocol.CodeUnauthenticated, "connection limit reached for identity")
			return
		}
		g.logger.Info("client authenticated", "conn_id", c.id, "subject", identity.Subject)
	}

	if !c.authenticated() && !anonymousAllowed(env) {
		c.sendError(env.Channel, protocol.CodeUnauthenticated, "authentication required")
		return
	}

	handler, ok := g.handlers[env.Type]
	if !ok {
		c.sendError("", protocol.CodeBadEnvelope, "unknown envelope type")
		return
	}
	handler(ctx, c, env)
}

// anonymousAllowed is the unauthenticated surface: the shared guide channel
// plus liveness traffic. Everything pillar-scoped requires a validated
// session.
func anonymousAllowed(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypePing, protocol.TypePong:
		return true
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		return env.Channel == protocol.ChannelGuide
	}
	return false
}

func (g *Gateway) handleSubscribe(ctx context.Context, c *conn, env *protocol.Envelope) {
	if !protocol.ValidChannel(env.Channel) {
		c.sendError(env.Channel, protocol.CodeUnknownChannel, "unknown channel")
		return
	}

	if err := g.reg.Subscribe(ctx, c.id, env.Channel); err != nil {
		g.logger.Warn("subscribe failed", "conn_id", c.id, "channel", env.Channel, "error", err)
		c.sendError(env.Channel, protocol.CodeUnknownChannel, "subscription failed")
		return
	}
	c.addSub(env.Channel)

	// Ack with the full current subscription set, so a client that raced
	// multiple subscribes converges on the true state.
	c.send(protocol.NewWelcome(c.id, c.subscriptions()))
	g.logger.Debug("subscribed", "conn_id", c.id, "channel", env.Channel)
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, c *conn, env *protocol.Envelope) {
	if !protocol.ValidChannel(env.Channel) {
		c.sendError(env.Channel, protocol.CodeUnknownChannel, "unknown channel")
		return
	}

	if err := g.reg.Unsubscribe(ctx, c.id, env.Channel); err != nil {
		g.logger.Warn("unsubscribe failed", "conn_id", c.id, "channel", env.Channel, "error", err)
	}
	c.removeSub(env.Channel)
	g.logger.Debug("unsubscribed", "conn_id", c.id, "channel", env.Channel)
}

func (g *Gateway) handlePublish(ctx context.Context, c *conn, env *protocol.Envelope) {
	if !protocol.ValidChannel(env.Channel) {
		c.sendError(env.Channel, protocol.CodeUnknownChannel, "unknown channel")
		return
	}
	if !c.subscribed(env.Channel) {
		c.sendError(env.Channel, protocol.CodeNotSubscribed, "publish requires a subscription")
		return
	}

	if _, err := g.Publish(ctx, env.Channel, env.Content); err != nil {
		g.logger.Error("publish failed", "conn_id", c.id, "channel", env.Channel, "error", err)
	}
}

// handlePing refreshes both liveness trackers: the local heartbeat stamp read
// by the eviction monitor and the registry TTL seen by the rest of the fleet.
func (g *Gateway) handlePing(ctx context.Context, c *conn, env *protocol.Envelope) {
	c.heartbeat()

	touchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := g.reg.Touch(touchCtx, c.id); err != nil {
		if err == registry.ErrNotFound {
			// The fleet already forgot this connection. Re-register so
			// the client does not silently stop receiving fan-out.
			identityStr := ""
			if id := c.getIdentity(); id != nil {
				identityStr = id.Subject
			}
			regErr := g.reg.Register(touchCtx, registry.Registration{
				ConnID:     c.id,
				InstanceID: g.opts.InstanceID,
				Identity:   identityStr,
				CreatedAt:  c.created,
			})
			if regErr == nil {
				for _, ch := range c.subscriptions() {
					_ = g.reg.Subscribe(touchCtx, c.id, ch)
				}
			}
		} else {
			g.logger.Warn("registry touch failed", "conn_id", c.id, "error", err)
		}
	}

	c.send(protocol.NewPong())
}

// handlePong accepts unsolicited envelope-level pongs as liveness proof.
func (g *Gateway) handlePong(ctx context.Context, c *conn, env *protocol.Envelope) {
	c.heartbeat()
}

// redispatch delivers a frame received from the broadcast medium to local
// subscribers. Called from the broker listener goroutine; enqueue never
// blocks, so the listener can keep up with the medium.
func (g *Gateway) redispatch(frame registry.Frame) {
	subs := g.localSubscribers(frame.Channel)
	for _, c := range subs {
		if !c.out.enqueue(frame.Channel, frame.Content) {
			g.logger.Debug("frame dropped", "conn_id", c.id, "channel", frame.Channel)
		}
	}
	if len(subs) > 0 {
		g.logger.Debug("frame redispatched", "channel", frame.Channel, "origin", frame.Origin, "local_subscribers", len(subs))
	}
}

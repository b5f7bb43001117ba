package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/symphainy/gateway/internal/metrics"
)

// runEvictionMonitor sweeps local connections on a fixed interval and
// force-closes any whose last heartbeat is older than the timeout. Eviction
// covers half-dead sockets the transport never reports: the client went away
// but the TCP connection lingers.
func (g *Gateway) runEvictionMonitor(ctx context.Context) {
	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()

	g.logger.Info("eviction monitor started",
		"interval", g.opts.HeartbeatInterval, "timeout", g.opts.HeartbeatTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepStale(time.Now())
		}
	}
}

// sweepStale evicts every local connection silent past the timeout.
func (g *Gateway) sweepStale(now time.Time) {
	g.mu.RLock()
	var stale []*conn
	for _, c := range g.conns {
		if now.Sub(c.lastBeat()) > g.opts.HeartbeatTimeout {
			stale = append(stale, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range stale {
		g.logger.Warn("evicting stale connection",
			"conn_id", c.id, "last_heartbeat", c.lastBeat())
		c.close(websocket.CloseGoingAway, "heartbeat timeout")
		g.cleanup(c)
		metrics.ConnectionsEvicted.Inc()
	}
}

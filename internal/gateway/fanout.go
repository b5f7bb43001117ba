package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/symphainy/gateway/internal/metrics"
	"github.com/symphainy/gateway/internal/registry"
)

const (
	fanoutRetries    = 3
	fanoutRetryDelay = 50 * time.Millisecond
)

// Publish fans one payload out to every subscriber of a channel across the
// fleet. Local subscribers are enqueued directly; each distinct remote
// instance receives exactly one frame through the broadcast medium and
// re-dispatches it to its own subscribers. Delivery is at most once: a full
// queue or an open breaker drops the payload for that subscriber only.
//
// Returns the number of subscribers the payload was dispatched toward.
func (g *Gateway) Publish(ctx context.Context, channel string, content json.RawMessage) (int, error) {
	ctx, span := metrics.Tracer().Start(ctx, "gateway.publish")
	defer span.End()
	span.SetAttributes(attribute.String("channel", channel))

	timer := time.Now()
	defer func() {
		metrics.PublishDuration.WithLabelValues(channel).Observe(time.Since(timer).Seconds())
	}()

	subs, err := g.subscribersWithRetry(ctx, channel)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonFanoutFailed).Inc()
		return 0, fmt.Errorf("resolve subscribers for %s: %w", channel, err)
	}

	span.SetAttributes(attribute.Int("subscribers", len(subs)))
	metrics.FanoutSubscribers.WithLabelValues(channel).Observe(float64(len(subs)))
	if len(subs) == 0 {
		return 0, nil
	}

	// Local subscribers get the payload straight into their queues; remote
	// instances get one frame each, whatever their subscriber count.
	remote := make(map[string]bool)
	for _, sub := range subs {
		if sub.InstanceID == g.opts.InstanceID {
			if c := g.localConn(sub.ConnID); c != nil {
				c.out.enqueue(channel, content)
			}
			continue
		}
		remote[sub.InstanceID] = true
	}

	frame := registry.Frame{Channel: channel, Content: content, Origin: g.opts.InstanceID}
	for instanceID := range remote {
		if err := g.broadcastWithRetry(ctx, instanceID, frame); err != nil {
			g.logger.Error("broadcast failed", "channel", channel, "instance", instanceID, "error", err)
			metrics.MessagesDropped.WithLabelValues(metrics.ReasonFanoutFailed).Inc()
		}
	}

	return len(subs), nil
}

func (g *Gateway) subscribersWithRetry(ctx context.Context, channel string) ([]registry.Subscriber, error) {
	var lastErr error
	for attempt := 0; attempt < fanoutRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(fanoutRetryDelay * time.Duration(attempt)):
			}
		}
		subs, err := g.reg.SubscribersOf(ctx, channel)
		if err == nil {
			return subs, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (g *Gateway) broadcastWithRetry(ctx context.Context, instanceID string, frame registry.Frame) error {
	var lastErr error
	for attempt := 0; attempt < fanoutRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fanoutRetryDelay * time.Duration(attempt)):
			}
		}
		err := g.broker.Broadcast(ctx, instanceID, frame)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

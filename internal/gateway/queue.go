package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/symphainy/gateway/internal/metrics"
	"github.com/symphainy/gateway/pkg/protocol"
)

// queueOptions sizes the per-channel queues and their breakers.
type queueOptions struct {
	capacity   int
	threshold  int
	cooldown   time.Duration
	maxBackoff time.Duration
}

// outbound owns the bounded outbound queues of one connection, one per
// channel, created lazily on first delivery. Each queue is drained by its own
// goroutine writing under the connection's write mutex, so ordering holds per
// channel and a slow socket can never block a publisher: enqueue either
// succeeds immediately or the payload is dropped.
type outbound struct {
	opts queueOptions
	send func(protocol.Envelope) // serialized by the conn write mutex

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	queues map[string]*channelQueue
}

type channelQueue struct {
	payloads chan json.RawMessage
	breaker  *breaker
}

func newOutbound(opts queueOptions, send func(protocol.Envelope)) *outbound {
	return &outbound{
		opts:   opts,
		send:   send,
		done:   make(chan struct{}),
		queues: make(map[string]*channelQueue),
	}
}

// queue returns the channel's queue, creating it (and its breaker and drain
// goroutine) on first use. Returns nil after close.
func (o *outbound) queue(channel string) *channelQueue {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	q, ok := o.queues[channel]
	if !ok {
		q = &channelQueue{
			payloads: make(chan json.RawMessage, o.opts.capacity),
			breaker:  newBreaker(o.opts.threshold, o.opts.cooldown, o.opts.maxBackoff),
		}
		o.queues[channel] = q
		go o.drain(channel, q)
	}
	return q
}

// enqueue attempts a non-blocking delivery of one payload. It never blocks
// the caller: an open breaker or a full queue drops the payload with a metric.
func (o *outbound) enqueue(channel string, content json.RawMessage) bool {
	q := o.queue(channel)
	if q == nil {
		return false
	}

	now := time.Now()
	if !q.breaker.allow(now) {
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonBackpressure).Inc()
		return false
	}

	select {
	case q.payloads <- content:
		q.breaker.success()
		metrics.MessagesDelivered.Inc()
		return true
	default:
		q.breaker.failure(now)
		metrics.MessagesDropped.WithLabelValues(metrics.ReasonQueueFull).Inc()
		return false
	}
}

func (o *outbound) drain(channel string, q *channelQueue) {
	for {
		select {
		case <-o.done:
			return
		case content := <-q.payloads:
			o.send(protocol.NewPublish(channel, content))
		}
	}
}

// breakerState exposes a channel's breaker state to tests.
func (o *outbound) breakerState(channel string) breakerState {
	o.mu.Lock()
	q, ok := o.queues[channel]
	o.mu.Unlock()
	if !ok {
		return breakerClosed
	}
	return q.breaker.currentState()
}

// close stops all drain goroutines. Queued payloads are discarded; the
// connection is gone, so there is no one to deliver them to.
func (o *outbound) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

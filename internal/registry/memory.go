package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/symphainy/gateway/pkg/protocol"
)

// Memory is an in-process Store. A single Memory value can back several
// Gateway instances at once (they see each other's subscriptions and frames),
// which is how multi-instance fan-out is exercised in tests and how a
// single-node deployment runs without external infrastructure.
type Memory struct {
	ttl time.Duration

	mu        sync.Mutex
	conns     map[string]*memConn
	listeners map[string][]func(Frame) // instanceID -> handlers
}

type memConn struct {
	reg       Registration
	subs      map[string]bool
	expiresAt time.Time
}

// NewMemory creates an in-process store with the given entry TTL.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:       ttl,
		conns:     make(map[string]*memConn),
		listeners: make(map[string][]func(Frame)),
	}
}

// live returns the connection entry if present and unexpired, pruning it
// otherwise. Callers hold m.mu.
func (m *Memory) live(connID string, now time.Time) *memConn {
	c, ok := m.conns[connID]
	if !ok {
		return nil
	}
	if now.After(c.expiresAt) {
		delete(m.conns, connID)
		return nil
	}
	return c
}

func (m *Memory) Register(ctx context.Context, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if c := m.live(reg.ConnID, now); c != nil {
		// Idempotent on connection ID: refresh, keep subscriptions.
		c.reg = reg
		c.expiresAt = now.Add(m.ttl)
		return nil
	}
	m.conns[reg.ConnID] = &memConn{
		reg:       reg,
		subs:      make(map[string]bool),
		expiresAt: now.Add(m.ttl),
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, connID, channel string) error {
	if !protocol.ValidChannel(channel) {
		return protocol.ErrUnknownChannel
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.live(connID, time.Now())
	if c == nil {
		return ErrNotFound
	}
	c.subs[channel] = true
	return nil
}

func (m *Memory) Unsubscribe(ctx context.Context, connID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.live(connID, time.Now()); c != nil {
		delete(c.subs, channel)
	}
	return nil
}

func (m *Memory) Subscriptions(ctx context.Context, connID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.live(connID, time.Now())
	if c == nil {
		return nil, ErrNotFound
	}
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SubscribersOf(ctx context.Context, channel string) ([]Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []Subscriber
	for id, c := range m.conns {
		if now.After(c.expiresAt) {
			delete(m.conns, id)
			continue
		}
		if c.subs[channel] {
			out = append(out, Subscriber{ConnID: id, InstanceID: c.reg.InstanceID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out, nil
}

func (m *Memory) Touch(ctx context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c := m.live(connID, now)
	if c == nil {
		return ErrNotFound
	}
	c.expiresAt = now.Add(m.ttl)
	return nil
}

func (m *Memory) Deregister(ctx context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conns, connID)
	return nil
}

func (m *Memory) Broadcast(ctx context.Context, instanceID string, frame Frame) error {
	m.mu.Lock()
	handlers := make([]func(Frame), len(m.listeners[instanceID]))
	copy(handlers, m.listeners[instanceID])
	m.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
	return nil
}

func (m *Memory) Listen(ctx context.Context, instanceID string, handler func(Frame)) error {
	m.mu.Lock()
	m.listeners[instanceID] = append(m.listeners[instanceID], handler)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		// One gateway per instance ID; drop all its handlers on shutdown.
		delete(m.listeners, instanceID)
	}()
	return nil
}

func (m *Memory) Close() error { return nil }

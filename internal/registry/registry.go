// Package registry is the shared source of truth for which connection, on
// which gateway instance, is subscribed to which channel. Entries are TTL'd;
// Touch is the only way to extend them, so a connection that stops proving
// liveness disappears from fan-out within the TTL even if its instance died
// without deregistering.
//
// The package also defines the broadcast medium used for cross-instance
// fan-out. Both are pluggable: memory (tests, single node), redis (default),
// and postgres backends implement the same contracts.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a connection ID is not registered (or its
// entry has expired).
var ErrNotFound = errors.New("connection not registered")

// Registration records one connection in the registry.
type Registration struct {
	ConnID     string
	InstanceID string
	Identity   string
	CreatedAt  time.Time
}

// Subscriber is one (connection, instance) pair subscribed to a channel.
type Subscriber struct {
	ConnID     string
	InstanceID string
}

// Registry is the fleet-wide connection and subscription store.
//
// SubscribersOf reflects subscriptions from all gateway instances, ordered by
// connection ID. Register is idempotent on connection ID so accept-retries
// are harmless. Subscribe rejects channel names outside the closed vocabulary
// with protocol.ErrUnknownChannel.
type Registry interface {
	Register(ctx context.Context, reg Registration) error
	Subscribe(ctx context.Context, connID, channel string) error
	Unsubscribe(ctx context.Context, connID, channel string) error
	Subscriptions(ctx context.Context, connID string) ([]string, error)
	SubscribersOf(ctx context.Context, channel string) ([]Subscriber, error)
	Touch(ctx context.Context, connID string) error
	Deregister(ctx context.Context, connID string) error
}

// Frame is one cross-instance fan-out unit: a published payload addressed to
// a single remote gateway instance, which re-dispatches it to its own local
// subscribers.
type Frame struct {
	Channel string          `json:"channel"`
	Content json.RawMessage `json:"content"`
	Origin  string          `json:"origin"` // publishing instance ID
}

// Broker is the broadcast medium. Broadcast addresses exactly one instance;
// Listen installs the handler for frames addressed to this instance and
// returns immediately. Handlers must not block: the gateway only enqueues
// onto bounded per-connection queues from them.
type Broker interface {
	Broadcast(ctx context.Context, instanceID string, frame Frame) error
	Listen(ctx context.Context, instanceID string, handler func(Frame)) error
}

// Store combines the registry and the broadcast medium, which every backend
// provides over the same underlying infrastructure.
type Store interface {
	Registry
	Broker
	Close() error
}

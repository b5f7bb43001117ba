package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/symphainy/gateway/pkg/protocol"
)

// pgNotifyChannel is the LISTEN/NOTIFY channel shared by the whole fleet.
// Frames carry the target instance ID in the payload; each listener filters.
const pgNotifyChannel = "gateway_fanout"

// pgMaxNotifyPayload stays under Postgres's ~8000 byte NOTIFY payload limit.
const pgMaxNotifyPayload = 7500

// Postgres is a Store backed by PostgreSQL, with LISTEN/NOTIFY as the
// broadcast medium. TTLs are expires_at columns: reads filter expired rows
// and a janitor deletes them.
type Postgres struct {
	pool   *pgxpool.Pool
	ttl    time.Duration
	cancel context.CancelFunc
}

// NewPostgres connects, runs migrations, and starts the expiry janitor.
func NewPostgres(ctx context.Context, dsn string, ttl time.Duration) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	p := &Postgres{pool: pool, ttl: ttl}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.janitor(janitorCtx)

	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS gateway_connections (
			conn_id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			identity TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_subscriptions (
			conn_id TEXT NOT NULL REFERENCES gateway_connections(conn_id) ON DELETE CASCADE,
			channel TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (conn_id, channel)
		)`,
		`CREATE INDEX IF NOT EXISTS gateway_subscriptions_channel_idx
			ON gateway_subscriptions (channel)`,
	}
	for _, m := range migrations {
		if _, err := p.pool.Exec(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// janitor deletes expired rows. Reads already filter on expires_at, so this
// only bounds table growth.
func (p *Postgres) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.pool.Exec(ctx, `DELETE FROM gateway_connections WHERE expires_at < NOW()`)
			_, _ = p.pool.Exec(ctx, `DELETE FROM gateway_subscriptions WHERE expires_at < NOW()`)
		}
	}
}

func (p *Postgres) Register(ctx context.Context, reg Registration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO gateway_connections (conn_id, instance_id, identity, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conn_id) DO UPDATE
			SET instance_id = EXCLUDED.instance_id,
			    identity = EXCLUDED.identity,
			    expires_at = EXCLUDED.expires_at`,
		reg.ConnID, reg.InstanceID, reg.Identity, reg.CreatedAt, time.Now().Add(p.ttl))
	if err != nil {
		return fmt.Errorf("register %s: %w", reg.ConnID, err)
	}
	return nil
}

func (p *Postgres) Subscribe(ctx context.Context, connID, channel string) error {
	if !protocol.ValidChannel(channel) {
		return protocol.ErrUnknownChannel
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO gateway_subscriptions (conn_id, channel, instance_id, expires_at)
		SELECT conn_id, $2, instance_id, $3
		FROM gateway_connections
		WHERE conn_id = $1 AND expires_at > NOW()
		ON CONFLICT (conn_id, channel) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		connID, channel, time.Now().Add(p.ttl))
	if err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", connID, channel, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Unsubscribe(ctx context.Context, connID, channel string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM gateway_subscriptions WHERE conn_id = $1 AND channel = $2`,
		connID, channel)
	if err != nil {
		return fmt.Errorf("unsubscribe %s from %s: %w", connID, channel, err)
	}
	return nil
}

func (p *Postgres) Subscriptions(ctx context.Context, connID string) ([]string, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM gateway_connections WHERE conn_id = $1 AND expires_at > NOW())`,
		connID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("subscriptions of %s: %w", connID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.pool.Query(ctx, `
		SELECT channel FROM gateway_subscriptions
		WHERE conn_id = $1 AND expires_at > NOW()
		ORDER BY channel`, connID)
	if err != nil {
		return nil, fmt.Errorf("subscriptions of %s: %w", connID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("subscriptions of %s: %w", connID, err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (p *Postgres) SubscribersOf(ctx context.Context, channel string) ([]Subscriber, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT conn_id, instance_id FROM gateway_subscriptions
		WHERE channel = $1 AND expires_at > NOW()
		ORDER BY conn_id`, channel)
	if err != nil {
		return nil, fmt.Errorf("subscribers of %s: %w", channel, err)
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var s Subscriber
		if err := rows.Scan(&s.ConnID, &s.InstanceID); err != nil {
			return nil, fmt.Errorf("subscribers of %s: %w", channel, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Touch(ctx context.Context, connID string) error {
	expiry := time.Now().Add(p.ttl)
	tag, err := p.pool.Exec(ctx, `
		UPDATE gateway_connections SET expires_at = $2
		WHERE conn_id = $1 AND expires_at > NOW()`, connID, expiry)
	if err != nil {
		return fmt.Errorf("touch %s: %w", connID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, _ = p.pool.Exec(ctx,
		`UPDATE gateway_subscriptions SET expires_at = $2 WHERE conn_id = $1`, connID, expiry)
	return nil
}

func (p *Postgres) Deregister(ctx context.Context, connID string) error {
	// Subscriptions cascade.
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM gateway_connections WHERE conn_id = $1`, connID); err != nil {
		return fmt.Errorf("deregister %s: %w", connID, err)
	}
	return nil
}

// pgFrame wraps a Frame with its addressee for the shared NOTIFY channel.
type pgFrame struct {
	Instance string `json:"instance"`
	Frame
}

func (p *Postgres) Broadcast(ctx context.Context, instanceID string, frame Frame) error {
	data, err := json.Marshal(pgFrame{Instance: instanceID, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > pgMaxNotifyPayload {
		return fmt.Errorf("broadcast to %s: frame of %d bytes exceeds NOTIFY payload limit", instanceID, len(data))
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, pgNotifyChannel, string(data)); err != nil {
		return fmt.Errorf("broadcast to %s: %w", instanceID, err)
	}
	return nil
}

func (p *Postgres) Listen(ctx context.Context, instanceID string, handler func(Frame)) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", instanceID, err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgNotifyChannel); err != nil {
		conn.Release()
		return fmt.Errorf("listen on %s: %w", instanceID, err)
	}

	go func() {
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return // ctx canceled or connection lost
			}
			var pf pgFrame
			if err := json.Unmarshal([]byte(n.Payload), &pf); err != nil {
				continue
			}
			if pf.Instance != instanceID {
				continue
			}
			handler(pf.Frame)
		}
	}()
	return nil
}

func (p *Postgres) Close() error {
	p.cancel()
	p.pool.Close()
	return nil
}

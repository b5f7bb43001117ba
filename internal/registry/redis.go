package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/symphainy/gateway/pkg/protocol"
)

// Key layout:
//
//	gw:conn:<connID>      hash {instance, identity, created_at}, TTL'd
//	gw:connsubs:<connID>  set of channel names, TTL'd alongside the conn
//	gw:chan:<channel>     set of "connID@instanceID" members
//	gw:inst:<instanceID>  pub/sub channel for cross-instance fan-out
//
// Channel membership sets have no per-member TTL, so SubscribersOf treats the
// conn key as the liveness authority and lazily prunes members whose conn key
// has expired.
const (
	redisConnPrefix = "gw:conn:"
	redisSubsPrefix = "gw:connsubs:"
	redisChanPrefix = "gw:chan:"
	redisInstPrefix = "gw:inst:"
)

// Redis is a Store backed by a Redis server reachable from every gateway
// instance, with pub/sub as the broadcast medium.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the Redis URL and verifies the connection.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client, ttl: ttl}, nil
}

func chanMember(connID, instanceID string) string {
	return connID + "@" + instanceID
}

func parseChanMember(member string) (connID, instanceID string, ok bool) {
	connID, instanceID, ok = strings.Cut(member, "@")
	return
}

func (r *Redis) Register(ctx context.Context, reg Registration) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, redisConnPrefix+reg.ConnID,
		"instance", reg.InstanceID,
		"identity", reg.Identity,
		"created_at", reg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, redisConnPrefix+reg.ConnID, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register %s: %w", reg.ConnID, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, connID, channel string) error {
	if !protocol.ValidChannel(channel) {
		return protocol.ErrUnknownChannel
	}

	instance, err := r.client.HGet(ctx, redisConnPrefix+connID, "instance").Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", connID, channel, err)
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, redisSubsPrefix+connID, channel)
	pipe.Expire(ctx, redisSubsPrefix+connID, r.ttl)
	pipe.SAdd(ctx, redisChanPrefix+channel, chanMember(connID, instance))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", connID, channel, err)
	}
	return nil
}

func (r *Redis) Unsubscribe(ctx context.Context, connID, channel string) error {
	instance, err := r.client.HGet(ctx, redisConnPrefix+connID, "instance").Result()
	if err == redis.Nil {
		return nil // already gone, nothing to unlink
	}
	if err != nil {
		return fmt.Errorf("unsubscribe %s from %s: %w", connID, channel, err)
	}

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, redisSubsPrefix+connID, channel)
	pipe.SRem(ctx, redisChanPrefix+channel, chanMember(connID, instance))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s from %s: %w", connID, channel, err)
	}
	return nil
}

func (r *Redis) Subscriptions(ctx context.Context, connID string) ([]string, error) {
	exists, err := r.client.Exists(ctx, redisConnPrefix+connID).Result()
	if err != nil {
		return nil, fmt.Errorf("subscriptions of %s: %w", connID, err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	subs, err := r.client.SMembers(ctx, redisSubsPrefix+connID).Result()
	if err != nil {
		return nil, fmt.Errorf("subscriptions of %s: %w", connID, err)
	}
	sort.Strings(subs)
	return subs, nil
}

func (r *Redis) SubscribersOf(ctx context.Context, channel string) ([]Subscriber, error) {
	members, err := r.client.SMembers(ctx, redisChanPrefix+channel).Result()
	if err != nil {
		return nil, fmt.Errorf("subscribers of %s: %w", channel, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	// The conn key is the liveness authority; check each member against it.
	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		connID, _, ok := parseChanMember(m)
		if !ok {
			continue
		}
		checks[i] = pipe.Exists(ctx, redisConnPrefix+connID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("subscribers of %s: %w", channel, err)
	}

	var out []Subscriber
	var stale []any
	for i, m := range members {
		connID, instanceID, ok := parseChanMember(m)
		if !ok || checks[i] == nil {
			stale = append(stale, m)
			continue
		}
		if checks[i].Val() == 0 {
			stale = append(stale, m)
			continue
		}
		out = append(out, Subscriber{ConnID: connID, InstanceID: instanceID})
	}
	if len(stale) > 0 {
		// Lazy pruning; a failure here only delays cleanup.
		_ = r.client.SRem(ctx, redisChanPrefix+channel, stale...).Err()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out, nil
}

func (r *Redis) Touch(ctx context.Context, connID string) error {
	ok, err := r.client.Expire(ctx, redisConnPrefix+connID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch %s: %w", connID, err)
	}
	if !ok {
		return ErrNotFound
	}
	_ = r.client.Expire(ctx, redisSubsPrefix+connID, r.ttl).Err()
	return nil
}

func (r *Redis) Deregister(ctx context.Context, connID string) error {
	instance, err := r.client.HGet(ctx, redisConnPrefix+connID, "instance").Result()
	if err == redis.Nil {
		return nil // idempotent
	}
	if err != nil {
		return fmt.Errorf("deregister %s: %w", connID, err)
	}

	subs, err := r.client.SMembers(ctx, redisSubsPrefix+connID).Result()
	if err != nil {
		return fmt.Errorf("deregister %s: %w", connID, err)
	}

	pipe := r.client.TxPipeline()
	for _, ch := range subs {
		pipe.SRem(ctx, redisChanPrefix+ch, chanMember(connID, instance))
	}
	pipe.Del(ctx, redisConnPrefix+connID, redisSubsPrefix+connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister %s: %w", connID, err)
	}
	return nil
}

func (r *Redis) Broadcast(ctx context.Context, instanceID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := r.client.Publish(ctx, redisInstPrefix+instanceID, data).Err(); err != nil {
		return fmt.Errorf("broadcast to %s: %w", instanceID, err)
	}
	return nil
}

func (r *Redis) Listen(ctx context.Context, instanceID string, handler func(Frame)) error {
	ps := r.client.Subscribe(ctx, redisInstPrefix+instanceID)

	// Force the subscription to be established before returning so frames
	// broadcast immediately afterwards are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("listen on %s: %w", instanceID, err)
	}

	go func() {
		<-ctx.Done()
		_ = ps.Close()
	}()
	go func() {
		for msg := range ps.Channel() {
			var frame Frame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				continue
			}
			handler(frame)
		}
	}()
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }

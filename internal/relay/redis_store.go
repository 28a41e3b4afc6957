package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matst80/burrow/internal/obs"
	"github.com/redis/go-redis/v9"
)

// forwardData is the JSON form of a registration stored in Redis (sans
// sockets). Control connections are only valid on the instance that
// accepted them, so pairing state stays in the embedded local store; the
// mirror exists so a fleet of relays can see each other's forwards.
type forwardData struct {
	Port         uint16    `json:"port"`
	Instance     string    `json:"instance"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// redisStore is a memoryStore that mirrors forward registrations into
// Redis with a TTL, refreshed by a maintenance loop.
type redisStore struct {
	*memoryStore
	client     *redis.Client
	instanceID string

	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
}

func newRedisStore(addr, password string, db, maxPending int, clk clock.Clock) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStore{
		memoryStore:       newMemoryStore(maxPending, clk),
		client:            rdb,
		instanceID:        fmt.Sprintf("burrow-%d", time.Now().UnixNano()),
		heartbeatInterval: 30 * time.Second,
		redisKeyTTL:       24 * time.Hour,
	}, nil
}

var _ Store = (*redisStore)(nil)

func forwardKey(port uint16) string  { return "forward:" + strconv.Itoa(int(port)) }
func instanceKey(port uint16) string { return "instance:" + strconv.Itoa(int(port)) }

func (r *redisStore) RegisterForward(sess *Session) (*Session, bool) {
	prev, isNew := r.memoryStore.RegisterForward(sess)
	r.publish(sess.port, sess.registeredAt)
	return prev, isNew
}

func (r *redisStore) DeregisterForward(sess *Session) (net.Listener, []*Pending, bool) {
	ln, orphans, ok := r.memoryStore.DeregisterForward(sess)
	if ok {
		r.unpublish(sess.port)
	}
	return ln, orphans, ok
}

func (r *redisStore) CloseAll() {
	ports := r.memoryStore.ActivePorts()
	r.memoryStore.CloseAll()
	for port := range ports {
		r.unpublish(port)
	}
}

// publish mirrors a registration. Best effort: pairing works without
// Redis, so failures are logged and the forward stays usable.
func (r *redisStore) publish(port uint16, registeredAt time.Time) {
	ctx := context.Background()
	data, err := json.Marshal(forwardData{Port: port, Instance: r.instanceID, RegisteredAt: registeredAt, LastSeen: time.Now()})
	if err != nil {
		obs.Error("redis.marshal_forward", obs.Fields{"err": err.Error(), "port": port})
		return
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, forwardKey(port), data, r.redisKeyTTL)
	pipe.Set(ctx, instanceKey(port), r.instanceID, r.redisKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.publish_forward", obs.Fields{"err": err.Error(), "port": port})
	}
}

func (r *redisStore) unpublish(port uint16) {
	ctx := context.Background()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, forwardKey(port))
	pipe.Del(ctx, instanceKey(port))
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.unpublish_forward", obs.Fields{"err": err.Error(), "port": port})
	}
}

// StartMaintenance refreshes the mirrored registrations until ctx ends,
// so keys outlive a Redis restart and TTLs never lapse while the
// forward is healthy.
func (r *redisStore) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

// heartbeat re-publishes locally owned forwards and extends key TTLs.
func (r *redisStore) heartbeat() {
	now := time.Now()
	ctx := context.Background()
	for port := range r.memoryStore.ActivePorts() {
		ttl, err := r.client.TTL(ctx, forwardKey(port)).Result()
		if err != nil && err != redis.Nil {
			obs.Error("redis.heartbeat.ttl", obs.Fields{"err": err.Error(), "port": port})
			continue
		}
		if err == redis.Nil || ttl <= 0 {
			// Key lost (Redis restart or manual delete): re-publish.
			r.publish(port, now)
			continue
		}
		data, err := json.Marshal(forwardData{Port: port, Instance: r.instanceID, RegisteredAt: now, LastSeen: now})
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err.Error(), "port": port})
			continue
		}
		if err := r.client.Set(ctx, forwardKey(port), data, r.redisKeyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.set", obs.Fields{"err": err.Error(), "port": port})
		}
		if err := r.client.Expire(ctx, instanceKey(port), r.redisKeyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire_instance", obs.Fields{"err": err.Error(), "port": port})
		}
	}
}

package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/watchkit/watchdog/cmd/watchdog/shared"
	"go.uber.org/zap"
)

// IConnection is the key store contract consumed by the registry and the
// expiration listener. All watchdog state lives behind it: one config record
// and one heartbeat marker per id, both TTL-bound.
type IConnection interface {
	SaveConfig(ctx context.Context, id string, cfg shared.WatchdogConfig) error
	// LoadConfig returns nil, nil when the config record is absent.
	LoadConfig(ctx context.Context, id string) (*shared.WatchdogConfig, error)
	// ConfigTTLSeconds returns the remaining lifetime of the config record,
	// or a negative value when the record is absent.
	ConfigTTLSeconds(ctx context.Context, id string) (int64, error)
	SetHeartbeat(ctx context.Context, id string, timeoutSeconds int) error
	HeartbeatExists(ctx context.Context, id string) (bool, error)
	// HeartbeatTTLSeconds returns the remaining lifetime of the heartbeat
	// marker, or a negative value when the marker is absent.
	HeartbeatTTLSeconds(ctx context.Context, id string) (int64, error)
	// DeleteWatchdog removes both keys and returns how many existed.
	DeleteWatchdog(ctx context.Context, id string) (int64, error)
	SubscribeExpirations(ctx context.Context) (IExpirationStream, error)
}

// IExpirationStream yields the raw key names of expired keys. Delivery is
// at-least-once and best-effort ordered; the channel closes when the
// underlying subscription dies.
type IExpirationStream interface {
	Events() <-chan string
	Close() error
}

type Connection struct {
	rdb *redis.Client
	db  int
}

var conn *Connection
var once sync.Once

// GetOrInit connects to Redis using REDIS_URI, REDIS_PASSWORD and REDIS_DB.
func GetOrInit() *Connection {
	once.Do(func() {
		redisURI, err := env.GetAsString("REDIS_URI", true, "redis:6379")
		if err != nil {
			zap.S().Fatalf("Failed to get REDIS_URI from env: %s", err)
		}
		redisPassword, _ := env.GetAsString("REDIS_PASSWORD", false, "")
		redisDB, _ := env.GetAsInt("REDIS_DB", false, 0)

		rdb := redis.NewClient(&redis.Options{
			Addr:     redisURI,
			Password: redisPassword,
			DB:       redisDB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			zap.S().Fatalf("Failed to connect to redis at %s: %s", redisURI, err)
		}

		conn = &Connection{rdb: rdb, db: redisDB}
		zap.S().Infof("Connected to redis at %s (db %d)", redisURI, redisDB)
	})
	return conn
}

func configKey(id string) string {
	return fmt.Sprintf("watchdog:%s:config", id)
}

func heartbeatKey(id string) string {
	return fmt.Sprintf("watchdog:%s:heartbeat", id)
}

// ParseHeartbeatKey extracts the watchdog id from an expired key name.
// Returns false for config keys and anything else sharing the keyspace.
func ParseHeartbeatKey(key string) (string, bool) {
	const prefix = "watchdog:"
	const suffix = ":heartbeat"
	if len(key) <= len(prefix)+len(suffix) {
		return "", false
	}
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	return key[len(prefix) : len(key)-len(suffix)], true
}

func (c *Connection) SaveConfig(ctx context.Context, id string, cfg shared.WatchdogConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config for %s: %w", id, err)
	}
	// Single SET with EX, so there is no window with a config record that
	// has no expiry.
	return c.rdb.Set(ctx, configKey(id), data, time.Duration(cfg.ExpireSeconds)*time.Second).Err()
}

func (c *Connection) LoadConfig(ctx context.Context, id string) (*shared.WatchdogConfig, error) {
	data, err := c.rdb.Get(ctx, configKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg shared.WatchdogConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("corrupt config record for %s: %w", id, err)
	}
	return &cfg, nil
}

func (c *Connection) ConfigTTLSeconds(ctx context.Context, id string) (int64, error) {
	return ttlSeconds(c.rdb.TTL(ctx, configKey(id)))
}

func (c *Connection) SetHeartbeat(ctx context.Context, id string, timeoutSeconds int) error {
	return c.rdb.Set(ctx, heartbeatKey(id), "1", time.Duration(timeoutSeconds)*time.Second).Err()
}

func (c *Connection) HeartbeatExists(ctx context.Context, id string) (bool, error) {
	n, err := c.rdb.Exists(ctx, heartbeatKey(id)).Result()
	return n == 1, err
}

func (c *Connection) HeartbeatTTLSeconds(ctx context.Context, id string) (int64, error) {
	return ttlSeconds(c.rdb.TTL(ctx, heartbeatKey(id)))
}

func (c *Connection) DeleteWatchdog(ctx context.Context, id string) (int64, error) {
	return c.rdb.Del(ctx, configKey(id), heartbeatKey(id)).Result()
}

// ttlSeconds maps the redis TTL reply to whole seconds. Redis answers -2 for
// a missing key and -1 for a key without expiry; go-redis passes both through
// as raw negative durations.
func ttlSeconds(cmd *redis.DurationCmd) (int64, error) {
	d, err := cmd.Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return -1, nil
	}
	return int64(d / time.Second), nil
}

// SubscribeExpirations enables keyspace expiration notifications and
// subscribes to them. CONFIG SET may be forbidden on managed Redis; that is
// logged and the subscription is attempted anyway, since the server may
// already be configured correctly.
func (c *Connection) SubscribeExpirations(ctx context.Context) (IExpirationStream, error) {
	if err := c.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		zap.S().Warnf("Could not enable keyspace notifications (CONFIG SET forbidden?): %s", err)
	}

	pubsub := c.rdb.PSubscribe(ctx, fmt.Sprintf("__keyevent@%d__:expired", c.db))
	// Force the subscribe round-trip so a dead connection fails here instead
	// of on the first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	s := &expirationStream{
		pubsub: pubsub,
		events: make(chan string),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.events)
		for msg := range pubsub.Channel() {
			select {
			case s.events <- msg.Payload:
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

type expirationStream struct {
	pubsub    *redis.PubSub
	events    chan string
	done      chan struct{}
	closeOnce sync.Once
}

func (s *expirationStream) Events() <-chan string {
	return s.events
}

func (s *expirationStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.pubsub.Close()
}

// GetHealthCheck pings redis, for both the liveness and readiness probes.
func GetHealthCheck() healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return GetOrInit().rdb.Ping(ctx).Err()
	}
}

func (c *Connection) Close() error {
	return c.rdb.Close()
}

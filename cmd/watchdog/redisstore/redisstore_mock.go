package redisstore

import (
	"context"
	"sync"
	"testing"

	"github.com/watchkit/watchdog/cmd/watchdog/shared"
)

// MockConnection is an in-memory stand-in for the redis-backed Connection.
// TTLs are recorded as written, not counted down; tests expire keys
// explicitly via ExpireHeartbeat.
type MockConnection struct {
	mu            sync.Mutex
	configs       map[string]shared.WatchdogConfig
	heartbeatTTLs map[string]int64
	expired       chan string

	// SubscribeFailures makes the next n SubscribeExpirations calls fail,
	// to exercise the listener's resubscribe path.
	SubscribeFailures int
	SubscribeCalls    int

	// Injected operation errors, simulating an unavailable store. Nil means
	// success. LoadConfigErrors is keyed by id so one watchdog's lookups can
	// fail while another's keep working.
	SaveConfigError      error
	LoadConfigErrors     map[string]error
	ConfigTTLError       error
	SetHeartbeatError    error
	HeartbeatExistsError error
	HeartbeatTTLError    error
	DeleteError          error
}

func GetMockConnection(t *testing.T) *MockConnection {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock store")
	return &MockConnection{
		configs:          make(map[string]shared.WatchdogConfig),
		heartbeatTTLs:    make(map[string]int64),
		expired:          make(chan string, 16),
		LoadConfigErrors: make(map[string]error),
	}
}

func (c *MockConnection) SaveConfig(_ context.Context, id string, cfg shared.WatchdogConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SaveConfigError != nil {
		return c.SaveConfigError
	}
	c.configs[id] = cfg
	return nil
}

func (c *MockConnection) LoadConfig(_ context.Context, id string) (*shared.WatchdogConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.LoadConfigErrors[id]; err != nil {
		return nil, err
	}
	cfg, ok := c.configs[id]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (c *MockConnection) ConfigTTLSeconds(_ context.Context, id string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConfigTTLError != nil {
		return 0, c.ConfigTTLError
	}
	cfg, ok := c.configs[id]
	if !ok {
		return -1, nil
	}
	return int64(cfg.ExpireSeconds), nil
}

func (c *MockConnection) SetHeartbeat(_ context.Context, id string, timeoutSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SetHeartbeatError != nil {
		return c.SetHeartbeatError
	}
	c.heartbeatTTLs[id] = int64(timeoutSeconds)
	return nil
}

func (c *MockConnection) HeartbeatExists(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeartbeatExistsError != nil {
		return false, c.HeartbeatExistsError
	}
	_, ok := c.heartbeatTTLs[id]
	return ok, nil
}

func (c *MockConnection) HeartbeatTTLSeconds(_ context.Context, id string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.HeartbeatTTLError != nil {
		return 0, c.HeartbeatTTLError
	}
	ttl, ok := c.heartbeatTTLs[id]
	if !ok {
		return -1, nil
	}
	return ttl, nil
}

func (c *MockConnection) DeleteWatchdog(_ context.Context, id string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeleteError != nil {
		return 0, c.DeleteError
	}
	var deleted int64
	if _, ok := c.configs[id]; ok {
		delete(c.configs, id)
		deleted++
	}
	if _, ok := c.heartbeatTTLs[id]; ok {
		delete(c.heartbeatTTLs, id)
		deleted++
	}
	return deleted, nil
}

func (c *MockConnection) SubscribeExpirations(_ context.Context) (IExpirationStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SubscribeCalls++
	if c.SubscribeFailures > 0 {
		c.SubscribeFailures--
		return nil, context.DeadlineExceeded
	}
	return &mockExpirationStream{events: c.expired}, nil
}

// ExpireHeartbeat drops the marker and emits the matching expiration event,
// as redis would.
func (c *MockConnection) ExpireHeartbeat(id string) {
	c.mu.Lock()
	delete(c.heartbeatTTLs, id)
	ch := c.expired
	c.mu.Unlock()
	ch <- heartbeatKey(id)
}

// EmitExpiredKey injects a raw expiration event, matching or not.
func (c *MockConnection) EmitExpiredKey(key string) {
	c.mu.Lock()
	ch := c.expired
	c.mu.Unlock()
	ch <- key
}

// CloseStream terminates the event channel, simulating a lost subscription.
// A later SubscribeExpirations gets a fresh channel.
func (c *MockConnection) CloseStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.expired)
	c.expired = make(chan string, 16)
}

type mockExpirationStream struct {
	events chan string
}

func (s *mockExpirationStream) Events() <-chan string { return s.events }
func (s *mockExpirationStream) Close() error          { return nil }

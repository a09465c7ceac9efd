package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/watchkit/watchdog/cmd/watchdog/dispatch"
	"github.com/watchkit/watchdog/cmd/watchdog/redisstore"
	"github.com/watchkit/watchdog/cmd/watchdog/registry"
	"github.com/watchkit/watchdog/cmd/watchdog/shared"
)

func testConfig() shared.WatchdogConfig {
	return shared.WatchdogConfig{
		TimeoutSeconds: 2,
		ExpireSeconds:  3600,
		AlertURL:       "http://alerts.local/down",
		RecoverURL:     "http://alerts.local/up",
	}
}

func waitForCall(t *testing.T, notifier *dispatch.MockNotifier) dispatch.MockCall {
	t.Helper()
	select {
	case call := <-notifier.Ch:
		return call
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a webhook dispatch")
		return dispatch.MockCall{}
	}
}

func assertNoCall(t *testing.T, notifier *dispatch.MockNotifier, within time.Duration) {
	t.Helper()
	select {
	case call := <-notifier.Ch:
		t.Fatalf("unexpected dispatch: %+v", call)
	case <-time.After(within):
	}
}

func TestAlertOnHeartbeatExpiry(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := store.SaveConfig(ctx, "svc", testConfig())
	assert.NoError(t, err)

	go New(store, notifier).Run(ctx)

	store.ExpireHeartbeat("svc")

	call := waitForCall(t, notifier)
	assert.Equal(t, dispatch.MockCall{ID: "svc", Event: shared.EventAlert, URL: "http://alerts.local/down"}, call)
	assertNoCall(t, notifier, 100*time.Millisecond)
}

func TestIgnoresNonHeartbeatKeys(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := store.SaveConfig(ctx, "svc", testConfig())
	assert.NoError(t, err)

	go New(store, notifier).Run(ctx)

	// A naturally expiring config record is a lapse, not a miss.
	store.EmitExpiredKey("watchdog:svc:config")
	store.EmitExpiredKey("session:abc")
	store.EmitExpiredKey("")
	store.EmitExpiredKey("watchdog::heartbeat")

	assertNoCall(t, notifier, 200*time.Millisecond)
}

func TestOrphanedHeartbeatIsSilent(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go New(store, notifier).Run(ctx)

	// No config record: the watchdog was deleted or lapsed concurrently.
	store.EmitExpiredKey("watchdog:gone:heartbeat")

	assertNoCall(t, notifier, 200*time.Millisecond)
}

func TestDuplicateEventsDispatchPerEvent(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := store.SaveConfig(ctx, "svc", testConfig())
	assert.NoError(t, err)

	go New(store, notifier).Run(ctx)

	// The event stream is at-least-once; a duplicated delivery dispatches
	// again. The payload makes duplicates harmless to the receiver.
	store.EmitExpiredKey("watchdog:svc:heartbeat")
	store.EmitExpiredKey("watchdog:svc:heartbeat")

	first := waitForCall(t, notifier)
	second := waitForCall(t, notifier)
	assert.Equal(t, first, second)
}

func TestConfigLookupFailureDoesNotStopConsumption(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := store.SaveConfig(ctx, "good", testConfig())
	assert.NoError(t, err)
	store.LoadConfigErrors["bad"] = errors.New("store offline")

	go New(store, notifier).Run(ctx)

	// The failing lookup is logged and skipped; the next event on the same
	// stream still dispatches.
	store.EmitExpiredKey("watchdog:bad:heartbeat")
	store.EmitExpiredKey("watchdog:good:heartbeat")

	call := waitForCall(t, notifier)
	assert.Equal(t, dispatch.MockCall{ID: "good", Event: shared.EventAlert, URL: "http://alerts.local/down"}, call)
	assertNoCall(t, notifier, 100*time.Millisecond)
}

func TestResubscribesAfterFailure(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := store.SaveConfig(ctx, "svc", testConfig())
	assert.NoError(t, err)

	store.SubscribeFailures = 2
	go New(store, notifier).Run(ctx)

	store.ExpireHeartbeat("svc")

	call := waitForCall(t, notifier)
	assert.Equal(t, shared.EventAlert, call.Event)
	assert.GreaterOrEqual(t, store.SubscribeCalls, 3)
}

func TestResubscribesAfterStreamClose(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := store.SaveConfig(ctx, "svc", testConfig())
	assert.NoError(t, err)

	go New(store, notifier).Run(ctx)
	store.CloseStream()
	store.ExpireHeartbeat("svc")

	call := waitForCall(t, notifier)
	assert.Equal(t, shared.EventAlert, call.Event)
}

func TestStopsOnContextCancel(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())

	l := New(store, notifier)
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on context cancellation")
	}
}

// TestMissRecoverCycle walks the full miss -> alert -> ping -> recover ->
// ping -> ok sequence through the registry and the listener together.
func TestMissRecoverCycle(t *testing.T) {
	store := redisstore.GetMockConnection(t)
	notifier := dispatch.GetMockNotifier(t)
	reg := registry.New(store, notifier, 30*24*3600)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := reg.Upsert(ctx, "svc", testConfig())
	assert.NoError(t, err)

	go New(store, notifier).Run(ctx)

	// The heartbeat window elapses with no ping.
	store.ExpireHeartbeat("svc")
	call := waitForCall(t, notifier)
	assert.Equal(t, dispatch.MockCall{ID: "svc", Event: shared.EventAlert, URL: "http://alerts.local/down"}, call)

	// Pinging resumes: exactly one recover call.
	status, err := reg.Ping(ctx, "svc")
	assert.NoError(t, err)
	assert.Equal(t, shared.StatusRecovered, status)
	call = waitForCall(t, notifier)
	assert.Equal(t, dispatch.MockCall{ID: "svc", Event: shared.EventRecover, URL: "http://alerts.local/up"}, call)

	// Another ping inside the window: nothing fires.
	status, err = reg.Ping(ctx, "svc")
	assert.NoError(t, err)
	assert.Equal(t, shared.StatusOK, status)
	assertNoCall(t, notifier, 100*time.Millisecond)
}

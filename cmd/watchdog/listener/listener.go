package listener

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/watchkit/watchdog/cmd/watchdog/dispatch"
	"github.com/watchkit/watchdog/cmd/watchdog/redisstore"
	"github.com/watchkit/watchdog/cmd/watchdog/shared"
	"github.com/watchkit/watchdog/internal"
	"go.uber.org/zap"
)

// Listener consumes the store's key expiration events and fires the alert
// webhook when a heartbeat marker lapses. It never touches TTLs itself and
// treats the event stream as at-least-once and unordered.
type Listener struct {
	store    redisstore.IConnection
	notifier dispatch.INotifier
}

var expirationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "watchdog_expiration_events_total",
	Help: "Key expiration events by outcome",
}, []string{"outcome"})

func New(store redisstore.IConnection, notifier dispatch.INotifier) *Listener {
	return &Listener{store: store, notifier: notifier}
}

// Run subscribes to expiration events and consumes them until ctx is
// cancelled. A lost or failed subscription is retried forever with jittered
// exponential backoff; a single bad event is logged and skipped, never fatal.
func (l *Listener) Run(ctx context.Context) {
	var retries int64
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := l.store.SubscribeExpirations(ctx)
		if err != nil {
			retries++
			backoff := internal.BackoffTime(retries, 100*time.Millisecond, 30*time.Second)
			zap.S().Warnf("Expiration subscription failed (attempt %d, retrying in %s): %s", retries, backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		retries = 0
		zap.S().Info("Listening for key expiration events")

		l.consume(ctx, stream)
		_ = stream.Close()
	}
}

// consume drains the stream until it closes or ctx is cancelled.
func (l *Listener) consume(ctx context.Context, stream redisstore.IExpirationStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-stream.Events():
			if !ok {
				zap.S().Warn("Expiration event stream closed, resubscribing")
				return
			}
			l.handleExpiredKey(ctx, key)
		}
	}
}

func (l *Listener) handleExpiredKey(ctx context.Context, key string) {
	id, ok := redisstore.ParseHeartbeatKey(key)
	if !ok {
		// Config records and unrelated keys expire silently.
		expirationsTotal.WithLabelValues("ignored").Inc()
		return
	}

	cfg, err := l.store.LoadConfig(ctx, id)
	if err != nil {
		expirationsTotal.WithLabelValues("error").Inc()
		zap.S().Errorf("[%s] heartbeat expired but config lookup failed: %s", id, err)
		return
	}
	if cfg == nil {
		// Deleted or lapsed concurrently. A watchdog whose registration is
		// gone is forgotten, not alerted.
		expirationsTotal.WithLabelValues("orphaned").Inc()
		zap.S().Infof("[%s] heartbeat expired but config gone, watchdog dead", id)
		return
	}

	expirationsTotal.WithLabelValues("alerted").Inc()
	zap.S().Infof("[%s] heartbeat expired, calling alert url", id)
	l.notifier.Notify(id, shared.EventAlert, cfg.AlertURL)
}

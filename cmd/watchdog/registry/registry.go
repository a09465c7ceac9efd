package registry

import (
	"context"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/watchkit/watchdog/cmd/watchdog/dispatch"
	"github.com/watchkit/watchdog/cmd/watchdog/redisstore"
	"github.com/watchkit/watchdog/cmd/watchdog/shared"
	"go.uber.org/zap"
)

// Registry owns the config and heartbeat key lifecycle of every watchdog.
// It holds no state of its own; status is recomputed from key presence on
// every read.
type Registry struct {
	store            redisstore.IConnection
	notifier         dispatch.INotifier
	maxExpireSeconds int
}

var pingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "watchdog_pings_total",
	Help: "Ping calls by result",
}, []string{"result"})

func New(store redisstore.IConnection, notifier dispatch.INotifier, maxExpireSeconds int) *Registry {
	return &Registry{
		store:            store,
		notifier:         notifier,
		maxExpireSeconds: maxExpireSeconds,
	}
}

// Upsert validates and writes the config record with TTL = expire. The
// heartbeat marker is seeded only on brand-new registration; updating an
// existing watchdog never resets the running watch window.
func (r *Registry) Upsert(ctx context.Context, id string, cfg shared.WatchdogConfig) (shared.WatchdogConfig, error) {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = shared.DefaultTimeoutSeconds
	}
	if cfg.ExpireSeconds == 0 {
		cfg.ExpireSeconds = r.maxExpireSeconds
	}
	if err := r.validate(cfg); err != nil {
		return shared.WatchdogConfig{}, err
	}

	existing, err := r.store.LoadConfig(ctx, id)
	if err != nil {
		return shared.WatchdogConfig{}, err
	}
	if err := r.store.SaveConfig(ctx, id, cfg); err != nil {
		return shared.WatchdogConfig{}, err
	}
	if existing == nil {
		// First registration: start the watch window so the first missed
		// ping alerts and the first arriving ping reads as "ok".
		if err := r.store.SetHeartbeat(ctx, id, cfg.TimeoutSeconds); err != nil {
			return shared.WatchdogConfig{}, err
		}
	}
	zap.S().Infof("[%s] registered: timeout=%ds expire=%ds", id, cfg.TimeoutSeconds, cfg.ExpireSeconds)
	return cfg, nil
}

func (r *Registry) validate(cfg shared.WatchdogConfig) error {
	if cfg.TimeoutSeconds < 0 {
		return shared.ErrInvalidTimeout
	}
	if cfg.ExpireSeconds < 0 {
		return shared.ErrInvalidExpire
	}
	if cfg.ExpireSeconds > r.maxExpireSeconds {
		return shared.ErrExpireTooLarge
	}
	if cfg.AlertURL == "" || cfg.RecoverURL == "" {
		return shared.ErrMissingURL
	}
	for _, raw := range []string{cfg.AlertURL, cfg.RecoverURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return shared.ErrInvalidURL
		}
	}
	return nil
}

// Get returns the stored config plus the derived status and live TTLs.
func (r *Registry) Get(ctx context.Context, id string) (*shared.WatchdogInfo, error) {
	cfg, err := r.store.LoadConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, shared.ErrNotFound
	}

	heartbeatTTL, err := r.store.HeartbeatTTLSeconds(ctx, id)
	if err != nil {
		return nil, err
	}
	expireIn, err := r.store.ConfigTTLSeconds(ctx, id)
	if err != nil {
		return nil, err
	}

	// TTL replies truncate to whole seconds, so a marker in its final
	// sub-second reads as 0 and reports alert while the key still exists.
	status := shared.StatusAlert
	if heartbeatTTL > 0 {
		status = shared.StatusWatching
	}
	if heartbeatTTL < 0 {
		heartbeatTTL = 0
	}

	return &shared.WatchdogInfo{
		ID:               id,
		Status:           status,
		TimeoutSeconds:   cfg.TimeoutSeconds,
		ExpireInSeconds:  expireIn,
		HeartbeatSeconds: heartbeatTTL,
		AlertURL:         cfg.AlertURL,
		RecoverURL:       cfg.RecoverURL,
	}, nil
}

// Ping refreshes the heartbeat marker. If the marker had lapsed this is a
// recovery: the recover webhook fires (fire-and-forget) before the marker is
// recreated. The presence check and the recreate are deliberately not atomic;
// the race against the expiration listener is part of the contract.
func (r *Registry) Ping(ctx context.Context, id string) (string, error) {
	cfg, err := r.store.LoadConfig(ctx, id)
	if err != nil {
		pingsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	if cfg == nil {
		pingsTotal.WithLabelValues("not_found").Inc()
		return "", shared.ErrNotFound
	}

	alive, err := r.store.HeartbeatExists(ctx, id)
	if err != nil {
		pingsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	if !alive {
		zap.S().Infof("[%s] heartbeat resumed, calling recover url", id)
		r.notifier.Notify(id, shared.EventRecover, cfg.RecoverURL)
	}

	if err := r.store.SetHeartbeat(ctx, id, cfg.TimeoutSeconds); err != nil {
		pingsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	if !alive {
		pingsTotal.WithLabelValues(shared.StatusRecovered).Inc()
		return shared.StatusRecovered, nil
	}
	pingsTotal.WithLabelValues(shared.StatusOK).Inc()
	return shared.StatusOK, nil
}

// Delete removes both keys. NotFound only when neither existed, so repeating
// a delete of a half-expired watchdog stays safe.
func (r *Registry) Delete(ctx context.Context, id string) error {
	deleted, err := r.store.DeleteWatchdog(ctx, id)
	if err != nil {
		return err
	}
	if deleted == 0 {
		return shared.ErrNotFound
	}
	zap.S().Infof("[%s] deleted", id)
	return nil
}

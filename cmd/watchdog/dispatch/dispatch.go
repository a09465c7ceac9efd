package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/watchkit/watchdog/cmd/watchdog/shared"
	"go.uber.org/zap"
)

// INotifier is the outbound notification contract. Notify is fire-and-forget:
// it never blocks the caller and never reports delivery failures upward.
type INotifier interface {
	Notify(id string, event string, targetURL string)
}

// Dispatcher performs best-effort webhook calls. One attempt, short timeout,
// no retries. Failures are logged and counted, nothing more.
type Dispatcher struct {
	client *http.Client
}

var dispatcher *Dispatcher
var once sync.Once

var dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "watchdog_webhook_dispatches_total",
	Help: "Outbound webhook calls by event kind and outcome",
}, []string{"event", "outcome"})

func GetOrInit() *Dispatcher {
	once.Do(func() {
		timeoutSeconds, _ := env.GetAsInt("WEBHOOK_TIMEOUT_SECONDS", false, 10)
		dispatcher = &Dispatcher{
			client: &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		}
	})
	return dispatcher
}

func (d *Dispatcher) Notify(id string, event string, targetURL string) {
	go func() {
		// Send enforces its own deadline through the client timeout.
		_ = d.Send(context.Background(), id, event, targetURL)
	}()
}

// Send posts {"id": ..., "event": ...} to targetURL. The returned error is
// informational; callers on the ping and listener paths ignore it.
func (d *Dispatcher) Send(ctx context.Context, id string, event string, targetURL string) error {
	payload := shared.WebhookPayload{ID: id, Event: event}
	body, err := json.Marshal(payload)
	if err != nil {
		dispatchesTotal.WithLabelValues(event, "failure").Inc()
		return fmt.Errorf("failed to marshal webhook payload for %s: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		dispatchesTotal.WithLabelValues(event, "failure").Inc()
		zap.S().Errorf("[%s/%s] invalid webhook url %s: %s", id, event, targetURL, err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		dispatchesTotal.WithLabelValues(event, "failure").Inc()
		zap.S().Errorf("[%s/%s] POST %s failed: %s", id, event, targetURL, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		dispatchesTotal.WithLabelValues(event, "failure").Inc()
		zap.S().Errorf("[%s/%s] POST %s returned %d", id, event, targetURL, resp.StatusCode)
		return fmt.Errorf("webhook %s returned status %d", targetURL, resp.StatusCode)
	}

	dispatchesTotal.WithLabelValues(event, "success").Inc()
	zap.S().Infof("[%s/%s] POST %s -> %d", id, event, targetURL, resp.StatusCode)
	return nil
}

package shared

// WatchdogConfig is the stored configuration of a single watchdog. It is
// written as one JSON blob, so a config write is a single atomic SET.
type WatchdogConfig struct {
	// TimeoutSeconds is how often a ping must arrive before the heartbeat
	// marker lapses and the alert webhook fires.
	TimeoutSeconds int `json:"timeout"`
	// ExpireSeconds is the lifetime of the watchdog registration itself.
	ExpireSeconds int    `json:"expire"`
	AlertURL      string `json:"alert_url"`
	RecoverURL    string `json:"recover_url"`
}

// WatchdogInfo is the derived view returned by Get. Status is always computed
// from key presence at read time, never stored.
type WatchdogInfo struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	TimeoutSeconds   int    `json:"timeout"`
	ExpireInSeconds  int64  `json:"expire_in"`
	HeartbeatSeconds int64  `json:"heartbeat_ttl"`
	AlertURL         string `json:"alert_url"`
	RecoverURL       string `json:"recover_url"`
}

// WebhookPayload is the body of an outbound notification. The id is included
// so that a duplicate delivery is harmless to the receiver.
type WebhookPayload struct {
	ID    string `json:"id"`
	Event string `json:"event"`
}

const (
	// StatusWatching and StatusAlert are the two derived states of a
	// registered watchdog.
	StatusWatching = "watching"
	StatusAlert    = "alert"

	// StatusOK and StatusRecovered are ping outcomes.
	StatusOK        = "ok"
	StatusRecovered = "recovered"

	EventAlert   = "alert"
	EventRecover = "recover"
)

const (
	// DefaultTimeoutSeconds is used when a registration does not set one.
	DefaultTimeoutSeconds = 600
	// DefaultExpireSeconds is one month, same as the default MAX_EXPIRE cap.
	DefaultExpireSeconds = 30 * 24 * 3600
)

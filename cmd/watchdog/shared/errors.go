package shared

import "errors"

var (
	// ErrNotFound is returned for any operation on an id whose config record
	// is absent, either because it was never registered or because it expired.
	ErrNotFound = errors.New("watchdog not found or expired")

	ErrInvalidTimeout = errors.New("timeout must be a positive number of seconds")
	ErrInvalidExpire  = errors.New("expire must be a positive number of seconds")
	ErrExpireTooLarge = errors.New("expire exceeds the configured maximum")
	ErrMissingURL     = errors.New("alert_url and recover_url are required")
	ErrInvalidURL     = errors.New("webhook urls must be http or https")
)

// IsValidationError reports whether err is one of the pre-write validation
// failures, so HTTP handlers can map it to a 400 instead of a 500.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidTimeout) ||
		errors.Is(err, ErrInvalidExpire) ||
		errors.Is(err, ErrExpireTooLarge) ||
		errors.Is(err, ErrMissingURL) ||
		errors.Is(err, ErrInvalidURL)
}

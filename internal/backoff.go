package internal

import (
	"math/rand"
	"time"
)

// BackoffTime returns a jittered exponential backoff: a uniform random
// duration in [0, slotTime * 2^retries), clamped to maximum. Used by the
// expiration listener when its store subscription keeps failing.
func BackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) time.Duration {
	if slotTime <= 0 || retries <= 0 {
		return 0
	}
	// 2^retries slots; past 62 the shift would wrap.
	if retries > 62 {
		return maximum
	}
	slots := int64(1) << retries

	n := rand.Int63n(slots)
	// Guard the multiplication against overflow before converting.
	if n != 0 && slotTime.Nanoseconds() > (1<<63-1)/n {
		return maximum
	}

	backoff := time.Duration(n) * slotTime
	if backoff > maximum {
		return maximum
	}
	return backoff
}

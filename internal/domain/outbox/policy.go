package outbox

import "time"

const (
	BaseDelay         = time.Second
	MaxDelay          = 5 * time.Minute
	DefaultMaxRetries = 10
)

// Delay is the wait before retry number retryCount: 2^retryCount seconds,
// capped at MaxDelay.
func Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^9 s already exceeds the cap
	if retryCount >= 9 {
		return MaxDelay
	}
	d := BaseDelay << uint(retryCount)
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// ShouldRetry reports whether an item that has failed retryCount times may
// be attempted again.
func ShouldRetry(retryCount, maxRetries int) bool {
	return retryCount < maxRetries
}

// Policy applies the backoff rules to items.
type Policy struct {
	MaxRetries int
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries}
}

// Eligible reports whether it may be picked up at now. Fresh items are
// eligible at once; retried ones after Delay(retryCount) since their last update.
func (p Policy) Eligible(it Item, now time.Time) bool {
	if it.Status != StatusPending {
		return false
	}
	if it.RetryCount == 0 {
		return true
	}
	return now.Sub(it.UpdatedAt) >= Delay(it.RetryCount)
}

// Fail computes the state after a failed attempt. Permanent errors and the
// attempt that exhausts MaxRetries end in ERROR.
func (p Policy) Fail(it Item, err error) (Status, int) {
	retries := it.RetryCount + 1
	if IsPermanent(err) || !ShouldRetry(retries, p.max()) {
		return StatusError, retries
	}
	return StatusPending, retries
}

func (p Policy) max() int {
	if p.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

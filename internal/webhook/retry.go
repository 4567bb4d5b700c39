package webhook

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"
)

// RetryPolicy bounds delivery attempts to one subscriber. Only failures that
// produced no HTTP response are retried; any status code, 4xx and 5xx
// included, ends the trigger.
type RetryPolicy struct {
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultRetryPolicy is three attempts of ten seconds each.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Timeout: 10 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultRetryPolicy.Timeout
	}
	return p
}

// Retryable reports whether err is a transport failure or timeout worth
// another attempt. Cancellation of the caller's context is not.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

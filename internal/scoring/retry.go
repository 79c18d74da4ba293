package scoring

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// MaxRetries bounds automatic rescheduling of a failed attempt.
const MaxRetries = 3

// RetryDelays are the staged backoff delays indexed by retry count.
var RetryDelays = [...]time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"timed-out",
	"etimedout",
	"network",
	"rate limit",
	"service unavailable",
	"temporary",
	"econnreset",
	"connection reset",
	"connection-reset",
}

// IsRetryable reports whether err looks like a transient backend failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// RetryDelay returns the backoff for a job that has already been retried retryCount times.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(RetryDelays) {
		retryCount = len(RetryDelays) - 1
	}
	return RetryDelays[retryCount]
}

// ShouldRetry reports whether a failure at retryCount gets another attempt.
func ShouldRetry(err error, retryCount int) bool {
	return retryCount < MaxRetries && IsRetryable(err)
}

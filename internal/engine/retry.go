package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffConstant    = "constant"
)

// BackoffPolicy describes retry delays.
type BackoffPolicy struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
}

// ConflictBackoff paces Advance retries while a step is held by another
// request.
var ConflictBackoff = BackoffPolicy{Strategy: BackoffExponential, Base: 25 * time.Millisecond, Max: 200 * time.Millisecond}

// DeliveryBackoff paces outbox redelivery.
var DeliveryBackoff = BackoffPolicy{Strategy: BackoffExponential, Base: time.Minute, Max: time.Hour}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so IsRetryableError reports false.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: errors wrapped with Permanent, cancellation, and FlowErrors
// whose code is not retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the caller is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		switch fe.Code {
		case schema.ErrCodeWebhook, schema.ErrCodeExecution:
			return true
		}
		return fe.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors are retried; the retry bound limits attempts.
	return true
}

// ComputeBackoff returns the delay before retry number attempt (0-based),
// capped at policy.Max.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	if policy.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch policy.Strategy {
	case BackoffExponential:
		delay = policy.Base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.Max > 0 && delay >= policy.Max {
				break
			}
		}
	case BackoffLinear:
		delay = policy.Base * time.Duration(attempt+1)
	default:
		delay = policy.Base
	}

	if policy.Max > 0 && delay > policy.Max {
		delay = policy.Max
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

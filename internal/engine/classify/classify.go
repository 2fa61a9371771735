// Package classify implements the Error Classifier (C10): mapping an
// error raised by a dispatched task into the ErrorCode taxonomy the
// step executor uses to decide whether to retry.
package classify

import (
	"context"
	"errors"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/engine"
)

// RetryPolicy is the fixed backoff schedule used by the step executor:
// base * factor^(attempt-1), capped, up to MaxAttempts.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Factor     float64
	CapDelay   time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches spec §4.6: base 1s, factor 2, cap 30s, max
// 3 attempts.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   time.Second,
	Factor:      2,
	CapDelay:    30 * time.Second,
	MaxAttempts: 3,
}

// Delay returns the backoff delay before attempt (1-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	capped := time.Duration(d)
	if capped > p.CapDelay {
		capped = p.CapDelay
	}
	return capped
}

// Coded is the interface a service's error can optionally implement to
// hand the classifier an exact code instead of relying on inference.
type Coded interface {
	ErrorCode() engine.ErrorCode
}

// Classifier is the default ErrorClassifier (C10).
type Classifier struct{}

// New returns a Classifier.
func New() *Classifier { return &Classifier{} }

// Classify maps err to a taxonomy code. A service error that implements
// Coded is trusted outright; context deadline/cancellation is always
// TIMEOUT/CANCELLED regardless of wrapping; everything else falls back
// to INTERNAL (non-retryable, fails closed).
func (c *Classifier) Classify(err error) engine.ErrorCode {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return engine.ErrTimeout
	case errors.Is(err, context.Canceled):
		return engine.ErrCancelled
	default:
		return engine.ErrInternal
	}
}

var _ engine.ErrorClassifier = (*Classifier)(nil)

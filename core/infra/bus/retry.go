package bus

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError asks a JetStream subscription to redeliver the message
// after Delay instead of acknowledging it. Core NATS subscriptions log it
// and move on.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("redeliver in %s: %v", e.Delay, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RetryAfter wraps err so the message is redelivered after delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	return &RetryableError{Err: err, Delay: max(delay, 0)}
}

// RetryDelay reports whether err asks for redelivery, and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var rerr *RetryableError
	if !errors.As(err, &rerr) {
		return 0, false
	}
	return rerr.Delay, true
}

// Backoff doubles base for every attempt after the first, capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 1 || base <= 0 {
		return max(base, 0)
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}

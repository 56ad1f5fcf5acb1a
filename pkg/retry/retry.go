// Package retry provides bounded retry loops with fixed or exponential
// inter-attempt delays, used for order verification and transient API failures.
package retry

import (
	"context"
	"time"
)

// Outcome is the result of a Poll run.
type Outcome int

const (
	// Confirmed means the condition was observed within the attempt budget.
	Confirmed Outcome = iota
	// TimedOut means the attempt budget was exhausted without confirmation.
	TimedOut
)

// String returns the string representation of an Outcome.
func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "CONFIRMED"
	case TimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Policy defines how an operation is retried.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Backoff, when > 1, multiplies the delay after each failed attempt,
	// capped at MaxDelay. A zero Backoff keeps the delay fixed.
	Backoff  float64
	MaxDelay time.Duration
}

// DefaultPolicy is a sensible default for gateway calls.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Delay:       500 * time.Millisecond,
	Backoff:     2,
	MaxDelay:    5 * time.Second,
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Backoff <= 1 {
		return d
	}
	nd := time.Duration(float64(d) * p.Backoff)
	if p.MaxDelay > 0 && nd > p.MaxDelay {
		return p.MaxDelay
	}
	return nd
}

// Poll repeatedly evaluates check until it reports true, an error, or the
// attempt budget is exhausted. A check error aborts the loop immediately;
// callers that want errors retried should use Do instead.
func Poll(ctx context.Context, p Policy, check func(ctx context.Context) (bool, error)) (Outcome, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	delay := p.Delay
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		ok, err := check(ctx)
		if err != nil {
			return TimedOut, err
		}
		if ok {
			return Confirmed, nil
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-time.After(delay):
			delay = p.next(delay)
		}
	}
	return TimedOut, nil
}

// Do executes fn with retries according to the policy. retryable decides
// whether a returned error is worth another attempt; a nil retryable retries
// every error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var err error
	delay := p.Delay
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay = p.next(delay)
		}
	}
	return err
}

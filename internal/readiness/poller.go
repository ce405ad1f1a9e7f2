// Package readiness waits for slow-booting infrastructure to become usable.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrTimeout is wrapped by every TimeoutError.
var ErrTimeout = errors.New("readiness timeout")

var errNotReady = errors.New("not ready")

// TimeoutError reports that Resource never became ready within Timeout.
// Last holds the most recent probe error, if any.
type TimeoutError struct {
	Resource string
	Timeout  time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s not ready after %s", e.Resource, e.Timeout)
	if e.Last != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.Last)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Probe checks once whether a resource is ready. A returned error is treated
// exactly like false.
type Probe func(ctx context.Context) (bool, error)

// Policy is a fixed-interval wait bound.
type Policy struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitUntil calls probe every interval until it succeeds or timeout elapses.
// It blocks the caller. Cancelling ctx returns ctx.Err().
func WaitUntil(ctx context.Context, resource string, p Policy, probe Probe) error {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	var last error
	backoff := retry.WithMaxDuration(p.Timeout, retry.NewConstant(p.Interval))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := probe(ctx)
		if err != nil {
			last = err
			return retry.RetryableError(err)
		}
		if !ok {
			return retry.RetryableError(errNotReady)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &TimeoutError{Resource: resource, Timeout: p.Timeout, Last: last}
}

package connection

import (
	"context"
	"errors"
	"time"

	"github.com/shaunagostinho/goobd/internal/obd"
)

// Executor is the part of a Connection a RetryPolicy drives.
type Executor interface {
	Execute(ctx context.Context, cmd obd.Command) (*obd.Response, error)
	Reopen(ctx context.Context) error
	State() State
}

// RetryPolicy re-sends commands that failed for transient reasons. The
// zero value sends once.
type RetryPolicy struct {
	// Count is the number of retries after the first attempt.
	Count int
	// Backoff is the first delay; it doubles per retry up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Reopen lets the policy cycle a Faulted connection before retrying.
	// Without it a fault ends the attempt.
	Reopen bool
}

const defaultMaxBackoff = 5 * time.Second

// Execute runs cmd on c under the policy. Errors the vehicle or the caller
// caused (negative responses, unknown PIDs, bad commands) are never retried.
func (p RetryPolicy) Execute(ctx context.Context, c Executor, cmd obd.Command) (*obd.Response, error) {
	backoff := p.Backoff
	max := p.MaxBackoff
	if max <= 0 {
		max = defaultMaxBackoff
	}
	var lastErr, reopenErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.Execute(ctx, cmd)
		if err == nil {
			return resp, nil
		}
		if reopenErr != nil && errors.Is(err, obd.ErrNotReady) {
			// Still faulted because the reopen failed; report why.
			err = reopenErr
		}
		reopenErr = nil
		lastErr = err
		if attempt >= p.Count {
			return nil, lastErr
		}
		switch obd.Classify(err) {
		case obd.ClassTransient:
		case obd.ClassDead:
			if !p.Reopen {
				return nil, lastErr
			}
		default:
			return nil, lastErr
		}

		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, lastErr
			case <-t.C:
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
		} else if ctx.Err() != nil {
			return nil, lastErr
		}

		if c.State() == Faulted {
			if !p.Reopen {
				return nil, lastErr
			}
			reopenErr = c.Reopen(ctx)
		}
	}
}

package session

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/teleguard/teleguard/pkg/errdefs"
)

// retrier retries transient connection failures with exponential
// backoff and jitter, up to a bounded attempt count. Authentication
// and validation failures are never retried.
type retrier struct {
	initial     time.Duration
	max         time.Duration
	maxAttempts int
	log         zerolog.Logger
}

func newRetrier(initial, max time.Duration, maxAttempts int, log zerolog.Logger) *retrier {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &retrier{initial: initial, max: max, maxAttempts: maxAttempts, log: log}
}

// do runs fn up to maxAttempts times total.
func (r *retrier) do(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxAttempts || !errdefs.IsRetryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt-1)
		r.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("sleep", delay).Msg("retrying operation")
		select {
		case <-ctx.Done():
			return &errdefs.ConnectionError{Op: op, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/STRATINT/polwatch/internal/models"
)

// RetryPolicy bounds the backoff applied to datastore writes during staging.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// DefaultRetryPolicy covers short datastore hiccups during staging; a longer
// outage fails the source and the next scheduled run picks the items up again.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// ErrRetriesExhausted wraps the last failure once the policy gives up.
var ErrRetriesExhausted = errors.New("retries exhausted")

func (p RetryPolicy) build(retryable func(error) bool) retrypolicy.RetryPolicy[any] {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff < p.InitialBackoff {
		maxBackoff = p.InitialBackoff
	}

	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && retryable(err)
		}).
		WithMaxRetries(max(p.MaxRetries, 0))
	if p.InitialBackoff > 0 {
		builder = builder.WithBackoffFactor(p.InitialBackoff, maxBackoff, factor)
	}
	if p.Jitter {
		builder = builder.WithJitterFactor(0.1)
	}
	return builder.Build()
}

// RetryDatastore runs fn until it succeeds, fails with something other than
// models.ErrDatastoreUnavailable, or the policy is exhausted.
func RetryDatastore(ctx context.Context, policy RetryPolicy, fn func() error) error {
	return retryWhile(ctx, policy, func(err error) bool {
		return errors.Is(err, models.ErrDatastoreUnavailable)
	}, fn)
}

func retryWhile(ctx context.Context, policy RetryPolicy, retryable func(error) bool, fn func() error) error {
	var lastErr error
	attempts := 0
	err := failsafe.With(policy.build(retryable)).WithContext(ctx).Run(func() error {
		attempts++
		lastErr = fn()
		return lastErr
	})

	switch {
	case err == nil:
		return nil
	case retrypolicy.IsExceededError(err):
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()) && lastErr != nil:
		return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
	default:
		return err
	}
}

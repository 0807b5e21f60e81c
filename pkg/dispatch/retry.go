package dispatch

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// RetryConfig bounds DispatchWithRetry.
type RetryConfig struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig is used by callers that opt into retries without
// tuning them.
var DefaultRetryConfig = RetryConfig{
	Attempts:     3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
}

var errRetryable = errors.New("retryable dispatch failure")

// DispatchWithRetry dispatches req and retries with exponential backoff
// while the result is a ConcurrencyLimitExceeded rejection. Every other
// outcome is returned immediately since repeating it would reproduce it.
// The last result is always returned.
func (d *Dispatcher) DispatchWithRetry(ctx context.Context, req invocation.Request, cfg RetryConfig) *invocation.Result {
	if cfg.Attempts == 0 {
		cfg = DefaultRetryConfig
	}

	var last *invocation.Result
	_ = retry.Do(
		func() error {
			last = d.Dispatch(ctx, req)
			if !last.Success && last.ErrorKind == invocation.KindConcurrencyLimitExceeded {
				return errRetryable
			}
			return nil
		},
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithField("attempt", n+1).WithField("max_attempts", cfg.Attempts).
				Warn("concurrency limit reached, retrying dispatch")
		}),
	)
	if last == nil {
		last = d.Dispatch(ctx, req)
	}
	return last
}

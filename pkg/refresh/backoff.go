package refresh

import (
	"context"
	"math"
	"time"
)

// Backoff 退避计算器
type Backoff interface {
	// Next 计算第 attempt 次重试前的等待时间，attempt 从 1 开始
	Next(attempt int) time.Duration
}

// NewBackoff 根据策略创建退避计算器
func NewBackoff(opts RetryOptions) Backoff {
	switch opts.Strategy {
	case BackoffFixed:
		return fixedBackoff(opts.InitialBackoff)
	case BackoffExponential:
		return &exponentialBackoff{
			initial:    opts.InitialBackoff,
			max:        opts.MaxBackoff,
			multiplier: opts.Multiplier,
		}
	default:
		return fixedBackoff(0)
	}
}

type fixedBackoff time.Duration

func (b fixedBackoff) Next(int) time.Duration { return time.Duration(b) }

type exponentialBackoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

func (b *exponentialBackoff) Next(attempt int) time.Duration {
	if attempt <= 1 {
		return b.initial
	}
	// initial * multiplier^(attempt-1)
	d := float64(b.initial) * math.Pow(b.multiplier, float64(attempt-1))
	if b.max > 0 && d > float64(b.max) {
		return b.max
	}
	return time.Duration(d)
}

// retrier 按策略重试，等待期间可被 ctx 取消。
type retrier struct {
	opts      RetryOptions
	backoff   Backoff
	retryable func(error) bool
}

func newRetrier(opts RetryOptions, retryable func(error) bool) *retrier {
	return &retrier{opts: opts, backoff: NewBackoff(opts), retryable: retryable}
}

// do 执行 fn，失败且可重试时按退避等待后重试，onRetry 在每次等待前调用。
func (r *retrier) do(ctx context.Context, fn func() error, onRetry func(attempt int, err error, wait time.Duration)) error {
	maxRetries := r.opts.MaxRetries
	if r.opts.Strategy == BackoffNone || r.opts.Strategy == "" {
		maxRetries = 0
	}

	err := fn()
	for attempt := 1; err != nil && attempt <= maxRetries; attempt++ {
		if r.retryable != nil && !r.retryable(err) {
			return err
		}
		wait := r.backoff.Next(attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return err
		}
		err = fn()
	}
	return err
}

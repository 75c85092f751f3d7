package resilience

import (
	"context"
	"time"
)

// Bounded runs fn under a context that expires after timeout. A non-positive
// timeout leaves ctx as is.
func Bounded[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

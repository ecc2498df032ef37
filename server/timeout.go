package server

import (
	"context"
	"time"
)

// withTimeout bounds a storage call by d
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// detached bounds a critical write by d but ignores cancellation of the
// inbound request, so a single-use operation either completes or aborts as
// one storage call.
func detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

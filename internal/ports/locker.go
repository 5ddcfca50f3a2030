package ports

import (
	"context"
	"time"
)

// Locker provides a mutual-exclusion lock shared across processes.
type Locker interface {
	// Acquire returns domain.ErrLockHeld when another holder owns key.
	// The returned unlock func is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

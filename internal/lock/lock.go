// Package lock provides per-key leases that serialize leg execution within a
// reservation, in-process or across replicas through Redis.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned when another holder owns the key.
var ErrHeld = errors.New("lock: key is held")

type Locker interface {
	// TryAcquire takes key for at most ttl without waiting. The returned
	// release func is safe to call more than once.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

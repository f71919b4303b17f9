// Package lock provides the per-tenant mutual exclusion that keeps two
// pipeline runs from processing the same mailbox at once.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrLocked is returned by Acquire when another owner holds the key.
	ErrLocked = eris.New("lock: already held")
	// ErrLost is returned by Refresh when the lease expired or was taken over.
	ErrLost = eris.New("lock: lease lost")
)

// Locker hands out leases on string keys.
type Locker interface {
	// Acquire takes key for ttl or returns ErrLocked.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// ForceRelease drops key regardless of owner. Operator use only.
	ForceRelease(ctx context.Context, key string) error
}

// Lease is a held lock.
type Lease interface {
	Key() string
	// Refresh extends the lease by its ttl or returns ErrLost.
	Refresh(ctx context.Context) error
	// Release gives the lock up if still owned. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// TenantKey is the lock key for a tenant's pipeline.
func TenantKey(userID string) string {
	return "pipeline:" + userID
}

// Heartbeat refreshes lease every interval until stop is called or ctx
// ends. When the lease is lost onLost runs once and the heartbeat exits.
// Other refresh errors are logged and retried on the next tick.
func Heartbeat(ctx context.Context, lease Lease, interval time.Duration, onLost func(error)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := lease.Refresh(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrLost):
				zap.L().Error("lock: lease lost", zap.String("key", lease.Key()))
				if onLost != nil {
					onLost(err)
				}
				return
			case ctx.Err() != nil:
				return
			default:
				zap.L().Warn("lock: refresh failed", zap.String("key", lease.Key()), zap.Error(err))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// LockStore is the lock table API of store.Store.
type LockStore interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
	ForceReleaseLock(ctx context.Context, key string) error
}

// StoreLocker keeps leases in the pipeline_locks table. An expired row is
// taken over by the next Acquire.
type StoreLocker struct {
	st LockStore
}

// NewStoreLocker creates a table-backed Locker.
func NewStoreLocker(st LockStore) *StoreLocker {
	return &StoreLocker{st: st}
}

func (l *StoreLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	owner := uuid.NewString()
	ok, err := l.st.AcquireLock(ctx, key, owner, ttl)
	if err != nil {
		return nil, eris.Wrapf(err, "lock: acquire %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrLocked, "lock: %s", key)
	}
	return &storeLease{st: l.st, key: key, owner: owner, ttl: ttl}, nil
}

func (l *StoreLocker) ForceRelease(ctx context.Context, key string) error {
	return eris.Wrapf(l.st.ForceReleaseLock(ctx, key), "lock: force release %s", key)
}

type storeLease struct {
	st       LockStore
	key      string
	owner    string
	ttl      time.Duration
	mu       sync.Mutex
	released bool
}

func (s *storeLease) Key() string { return s.key }

func (s *storeLease) Refresh(ctx context.Context) error {
	ok, err := s.st.RefreshLock(ctx, s.key, s.owner, s.ttl)
	if err != nil {
		return eris.Wrapf(err, "lock: refresh %s", s.key)
	}
	if !ok {
		return eris.Wrapf(ErrLost, "lock: %s", s.key)
	}
	return nil
}

func (s *storeLease) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	if err := s.st.ReleaseLock(ctx, s.key, s.owner); err != nil {
		return eris.Wrapf(err, "lock: release %s", s.key)
	}
	s.released = true
	return nil
}

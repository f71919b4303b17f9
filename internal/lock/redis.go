package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker keeps leases as Redis keys holding a random owner token.
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed Locker. Keys are namespaced with
// prefix.
func NewRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	set, err := l.rdb.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lock: SETNX %s", key)
	}
	if !set {
		return nil, eris.Wrapf(ErrLocked, "lock: %s", key)
	}
	return &redisLease{rdb: l.rdb, key: key, fullKey: l.prefix + key, token: token, ttl: ttl}, nil
}

func (l *RedisLocker) ForceRelease(ctx context.Context, key string) error {
	return eris.Wrapf(l.rdb.Del(ctx, l.prefix+key).Err(), "lock: DEL %s", key)
}

type redisLease struct {
	rdb      *redis.Client
	key      string
	fullKey  string
	token    string
	ttl      time.Duration
	mu       sync.Mutex
	released bool
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, r.rdb, []string{r.fullKey}, r.token, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return eris.Wrapf(err, "lock: refresh %s", r.key)
	}
	if n == 0 {
		return eris.Wrapf(ErrLost, "lock: %s", r.key)
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	if err := releaseScript.Run(ctx, r.rdb, []string{r.fullKey}, r.token).Err(); err != nil {
		return eris.Wrapf(err, "lock: release %s", r.key)
	}
	r.released = true
	return nil
}

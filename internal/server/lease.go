package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotOwner is returned for a document another server is sequencing.
var ErrNotOwner = errors.New("document sequenced by another server")

// OwnerError names the server holding a document's lease.
type OwnerError struct {
	DocID string
	Owner string
}

func (e *OwnerError) Error() string {
	return fmt.Sprintf("%v: %s is held by %s", ErrNotOwner, e.DocID, e.Owner)
}

func (e *OwnerError) Unwrap() error {
	return ErrNotOwner
}

// Lease lets one server at a time sequence a document. Servers sharing a
// store must share a lease, or each would commit its own history.
type Lease interface {
	// Acquire takes docID for owner, or extends owner's hold, for ttl. It
	// returns whoever holds the lease afterwards.
	Acquire(ctx context.Context, docID, owner string, ttl time.Duration) (string, error)
	// Release gives up owner's hold on docID. Holds by others are left alone.
	Release(ctx context.Context, docID, owner string) error
}

type hold struct {
	owner   string
	expires time.Time
}

// MemoryLease shares leases between servers in one process.
type MemoryLease struct {
	holds map[string]hold
	now   func() time.Time

	mu sync.Mutex
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{holds: make(map[string]hold), now: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, docID, owner string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.holds[docID]; ok && h.owner != owner && now.Before(h.expires) {
		return h.owner, nil
	}
	l.holds[docID] = hold{owner: owner, expires: now.Add(ttl)}
	return owner, nil
}

func (l *MemoryLease) Release(_ context.Context, docID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holds[docID].owner == owner {
		delete(l.holds, docID)
	}
	return nil
}

var acquireScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder == false or holder == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return ARGV[1]
end
return holder
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease keeps leases in Redis as keys that expire unless renewed.
type RedisLease struct {
	rdb *redis.Client
}

// NewRedisLease connects to the Redis server at addr.
func NewRedisLease(ctx context.Context, addr string) (*RedisLease, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisLease{rdb: rdb}, nil
}

func leaseKey(docID string) string {
	return "gopad:lease:" + docID
}

func (l *RedisLease) Acquire(ctx context.Context, docID, owner string, ttl time.Duration) (string, error) {
	holder, err := acquireScript.Run(ctx, l.rdb, []string{leaseKey(docID)}, owner, ttl.Milliseconds()).Text()
	if err != nil {
		return "", fmt.Errorf("acquiring lease on %s: %w", docID, err)
	}
	return holder, nil
}

func (l *RedisLease) Release(ctx context.Context, docID, owner string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{leaseKey(docID)}, owner).Err(); err != nil {
		return fmt.Errorf("releasing lease on %s: %w", docID, err)
	}
	return nil
}

func (l *RedisLease) Close() error {
	return l.rdb.Close()
}

package lock

import (
	"context"
	"sync"
	"time"
)

type memLease struct {
	token   uint64
	expires time.Time
}

type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memLease
	seq    uint64
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]memLease{}, now: time.Now}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if it, ok := l.leases[key]; ok && (it.expires.IsZero() || now.Before(it.expires)) {
		return nil, ErrHeld
	}
	l.seq++
	lease := memLease{token: l.seq}
	if ttl > 0 {
		lease.expires = now.Add(ttl)
	}
	l.leases[key] = lease
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if cur, ok := l.leases[key]; ok && cur.token == lease.token {
				delete(l.leases, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

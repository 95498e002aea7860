package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	Client *redis.Client
	Prefix string
}

func NewRedisLocker(opt *redis.Options) *RedisLocker {
	return &RedisLocker{Client: redis.NewClient(opt), Prefix: "flowmint:lock:"}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	token := uuid.NewString()
	full := l.Prefix + key
	ok, err := l.Client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, l.Client, []string{full}, token).Err()
		})
	}, nil
}

func (l *RedisLocker) Close() error {
	if l == nil || l.Client == nil {
		return nil
	}
	return l.Client.Close()
}

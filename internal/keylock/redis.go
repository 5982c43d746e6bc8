package keylock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/util"
)

const (
	DefaultLease      = 60 * time.Second
	DefaultRetryDelay = 50 * time.Millisecond
	defaultKeyPrefix  = "brenda:lock:"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript renews the lease only if it still carries our token.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Redis is a lease lock shared by every instance pointing at the same Redis.
// While held, the lease is renewed in the background so long-running work
// does not lose it.
type Redis struct {
	rdb        goredis.UniversalClient
	lease      time.Duration
	retryDelay time.Duration
	prefix     string
}

var _ Locker = (*Redis)(nil)

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithLease sets the lease duration.
func WithLease(d time.Duration) RedisOption {
	return func(r *Redis) { r.lease = d }
}

// WithRetryDelay sets the spacing between acquisition attempts.
func WithRetryDelay(d time.Duration) RedisOption {
	return func(r *Redis) { r.retryDelay = d }
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// NewRedis wraps an existing client.
func NewRedis(rdb goredis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{rdb: rdb, lease: DefaultLease, retryDelay: DefaultRetryDelay, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(rdb, opts...), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Lock retries SET NX until it succeeds or ctx ends.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := util.GenerateLockToken()
	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.lease).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.renew(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.rdb, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
				slog.Warn("RedisLocker.unlock: release failed, lease will expire", "key", key, "error", err)
			}
		})
	}, nil
}

func (r *Redis) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.lease/3)
			n, err := extendScript.Run(ctx, r.rdb, []string{redisKey}, token, r.lease.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("RedisLocker.renew: extend failed", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				slog.Warn("RedisLocker.renew: lease lost", "key", redisKey)
				return
			}
		}
	}
}

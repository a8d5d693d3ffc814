// ABOUTME: Redis-backed session leases shared across gateway replicas
// ABOUTME: Claims with SET NX PX, renews while held, and releases with compare-and-delete

package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/consult-gateway/internal/config"
)

const keyPrefix = "consult:stream:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's TTL only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis grants leases through a shared Redis instance.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	return &Redis{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With("component", "lease"),
	}, nil
}

// Acquire claims sessionID for ttl and renews it every ttl/3 until Release.
// The TTL bounds how long a crashed replica can hold it.
func (r *Redis) Acquire(ctx context.Context, sessionID string) (Lease, error) {
	key := keyPrefix + sessionID
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring session lease: %w", err)
	}
	if !ok {
		return nil, errHeld(sessionID)
	}

	renewCtx, stop := context.WithCancel(context.Background())
	l := &redisLease{r: r, key: key, token: token, stop: stop, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		keepAlive(renewCtx, r.ttl/3, l.renew, func(err error) {
			r.logger.Warn("session lease lost", "key", key, "error", err)
		})
	}()
	return l, nil
}

// errLeaseLost reports a lease whose key expired or was taken over.
var errLeaseLost = errors.New("lease no longer held")

// keepAlive calls renew every interval until ctx ends or a renewal fails.
// Transient errors are retried on the next tick while the key can still be
// alive; a renewal that finds the key gone calls lost and stops.
func keepAlive(ctx context.Context, interval time.Duration, renew func(context.Context) (bool, error), lost func(error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := renew(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				continue
			case !held:
				lost(errLeaseLost)
				return
			}
		}
	}
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

type redisLease struct {
	r     *Redis
	key   string
	token string
	stop  context.CancelFunc
	done  chan struct{}
	once  sync.Once
}

func (l *redisLease) renew(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	n, err := renewScript.Run(ctx, l.r.rdb, []string{l.key}, l.token, l.r.ttl.Milliseconds()).Int()
	if err != nil {
		l.r.logger.Debug("session lease renewal failed", "key", l.key, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		l.stop()
		<-l.done

		// Release runs on stream teardown, possibly after the request context is gone.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.r.rdb, []string{l.key}, l.token).Err(); err != nil {
			l.r.logger.Warn("failed to release session lease", "key", l.key, "error", err)
		}
	})
}

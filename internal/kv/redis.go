package kv

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/xerrors"
)

// opTimeout is the hard per-call budget for every external KV operation.
const opTimeout = 200 * time.Millisecond

// maxReadAttempts bounds retries for idempotent reads. Writes are attempted
// once: retrying a non-idempotent write risks double counting.
const maxReadAttempts = 3

// Redis is a Redis-backed Store. Every call runs under a 200 ms timeout;
// idempotent reads retry with exponential backoff.
type Redis struct {
	client  *redis.Client
	onError func(op string, err error)
}

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedis creates a Redis-backed store.
func NewRedis(cfg RedisConfig, onError func(op string, err error)) *Redis {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		onError: onError,
	}
}

// NewRedisFromClient wraps an existing client. Tests use this with miniredis.
func NewRedisFromClient(client *redis.Client, onError func(op string, err error)) *Redis {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Redis{client: client, onError: onError}
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// retryRead runs fn up to maxReadAttempts times with exponential backoff.
func (r *Redis) retryRead(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(10*time.Millisecond),
			backoff.WithMaxInterval(50*time.Millisecond),
		), maxReadAttempts-1), ctx)

	err := backoff.Retry(func() error {
		callCtx, cancel := r.withTimeout(ctx)
		defer cancel()
		err := fn(callCtx)
		if err == nil || err == redis.Nil {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err != nil && err != redis.Nil {
		r.onError(op, err)
		return xerrors.Wrap(xerrors.TransientExternal, "kv: "+op, err)
	}
	return err
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := r.retryRead(ctx, "get", func(ctx context.Context) error {
		v, err := r.client.Get(ctx, key).Result()
		val = v
		return err
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Set(callCtx, key, value, ttl).Err(); err != nil {
		r.onError("set", err)
		return xerrors.Wrap(xerrors.TransientExternal, "kv: set", err)
	}
	return nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	n, err := r.client.Incr(callCtx, key).Result()
	if err != nil {
		r.onError("incr", err)
		return n, xerrors.Wrap(xerrors.TransientExternal, "kv: incr", err)
	}
	return n, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := r.client.HSet(callCtx, key, args...).Err(); err != nil {
		r.onError("hset", err)
		return xerrors.Wrap(xerrors.TransientExternal, "kv: hset", err)
	}
	return nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	err := r.retryRead(ctx, "hget", func(ctx context.Context) error {
		v, err := r.client.HGet(ctx, key, field).Result()
		val = v
		return err
	})
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var val map[string]string
	err := r.retryRead(ctx, "hgetall", func(ctx context.Context) error {
		v, err := r.client.HGetAll(ctx, key).Result()
		val = v
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(val) == 0 {
		return nil, ErrNotFound
	}
	return val, nil
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := r.client.LPush(callCtx, key, args...).Err(); err != nil {
		r.onError("lpush", err)
		return xerrors.Wrap(xerrors.TransientExternal, "kv: lpush", err)
	}
	return nil
}

func (r *Redis) RPop(ctx context.Context, key string) (string, error) {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := r.client.RPop(callCtx, key).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		r.onError("rpop", err)
		return v, xerrors.Wrap(xerrors.TransientExternal, "kv: rpop", err)
	}
	return v, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var val []string
	err := r.retryRead(ctx, "lrange", func(ctx context.Context) error {
		v, err := r.client.LRange(ctx, key, start, stop).Result()
		val = v
		return err
	})
	return val, err
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.LTrim(callCtx, key, start, stop).Err(); err != nil {
		r.onError("ltrim", err)
		return xerrors.Wrap(xerrors.TransientExternal, "kv: ltrim", err)
	}
	return nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Expire(callCtx, key, ttl).Err(); err != nil {
		r.onError("expire", err)
		return xerrors.Wrap(xerrors.TransientExternal, "kv: expire", err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Del(callCtx, keys...).Err(); err != nil {
		r.onError("del", err)
		return xerrors.Wrap(xerrors.TransientExternal, "kv: del", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	callCtx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.client.Ping(callCtx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// WaitReady pings the store with backoff until it answers or the retry
// budget is spent. Startup calls this; failure is fatal (exit code 2).
func WaitReady(ctx context.Context, s Store, budget time.Duration) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(budget),
	), ctx)
	return backoff.Retry(func() error {
		if err := s.Ping(ctx); err != nil {
			logging.Warn("KV store not ready", zap.Error(err))
			return err
		}
		return nil
	}, bo)
}

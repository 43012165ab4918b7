package kv

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/steer/internal/logging"
	"github.com/wudi/steer/internal/xerrors"
)

// Breaker wraps a Store with a circuit breaker so a flapping KV backend
// degrades to fast local failures instead of stacking 200 ms timeouts on
// every routing decision.
type Breaker struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreaker decorates a store. The breaker opens after 5 consecutive
// failures and probes again after 10 s.
func NewBreaker(inner Store) *Breaker {
	settings := gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 3,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("KV breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Misses are answers, not failures.
			return err == nil || err == ErrNotFound || err == ErrEmpty
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func (b *Breaker) exec(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return v, xerrors.Wrap(xerrors.TransientExternal, "kv: circuit open", err)
	}
	return v, err
}

func (b *Breaker) Get(ctx context.Context, key string) (string, error) {
	v, err := b.exec(func() (any, error) { return b.inner.Get(ctx, key) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := b.exec(func() (any, error) { return nil, b.inner.Set(ctx, key, value, ttl) })
	return err
}

func (b *Breaker) Incr(ctx context.Context, key string) (int64, error) {
	v, err := b.exec(func() (any, error) { return b.inner.Incr(ctx, key) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *Breaker) HSet(ctx context.Context, key string, fields map[string]string) error {
	_, err := b.exec(func() (any, error) { return nil, b.inner.HSet(ctx, key, fields) })
	return err
}

func (b *Breaker) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := b.exec(func() (any, error) { return b.inner.HGet(ctx, key, field) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := b.exec(func() (any, error) { return b.inner.HGetAll(ctx, key) })
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (b *Breaker) LPush(ctx context.Context, key string, values ...string) error {
	_, err := b.exec(func() (any, error) { return nil, b.inner.LPush(ctx, key, values...) })
	return err
}

func (b *Breaker) RPop(ctx context.Context, key string) (string, error) {
	v, err := b.exec(func() (any, error) { return b.inner.RPop(ctx, key) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Breaker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := b.exec(func() (any, error) { return b.inner.LRange(ctx, key, start, stop) })
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.([]string), nil
}

func (b *Breaker) LTrim(ctx context.Context, key string, start, stop int64) error {
	_, err := b.exec(func() (any, error) { return nil, b.inner.LTrim(ctx, key, start, stop) })
	return err
}

func (b *Breaker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := b.exec(func() (any, error) { return nil, b.inner.Expire(ctx, key, ttl) })
	return err
}

func (b *Breaker) Del(ctx context.Context, keys ...string) error {
	_, err := b.exec(func() (any, error) { return nil, b.inner.Del(ctx, keys...) })
	return err
}

func (b *Breaker) Ping(ctx context.Context) error {
	_, err := b.exec(func() (any, error) { return nil, b.inner.Ping(ctx) })
	return err
}

func (b *Breaker) Close() error { return b.inner.Close() }

// Package store wraps the external key-value store behind the small set of
// primitives the engine depends on: strings, hashes, counters with expiry,
// lists, and prefix scans. Nothing above this package issues raw Redis
// commands, so any store offering these primitives is substitutable.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps every transport-level store failure. Callers match
// it with errors.Is; the underlying error text is preserved for logs.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned for missing keys and hash fields.
var ErrNotFound = errors.New("not found")

// Batch collects writes that must be applied together. All operations in a
// batch are executed in a single MULTI/EXEC transaction.
type Batch interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	LPush(key string, values ...string)
	LTrim(key string, start, stop int64)
	LRem(key string, count int64, value string)
	Expire(key string, ttl time.Duration)
}

// Client is the key-value surface consumed by the engine.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// GetDel atomically reads and deletes a key, so exactly one of any
	// number of concurrent callers sees the value. Used for single-use
	// tokens.
	GetDel(ctx context.Context, key string) (string, error)

	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// HDelCount deletes hash fields and reports how many actually
	// existed; a single-use field consumed concurrently yields 1 for
	// exactly one caller.
	HDelCount(ctx context.Context, key string, fields ...string) (int64, error)

	// IncrWithTTL atomically increments a counter and, on first increment,
	// arms its expiry. Used for attempt limiting.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL reports a key's remaining time to live; zero or negative for a
	// missing key or one without an expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error

	// ScanPrefix enumerates keys matching prefix + "*". O(n); maintenance
	// paths only, never the request path.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// Atomically runs every write queued by fn in one transaction.
	Atomically(ctx context.Context, fn func(b Batch)) error

	Ping(ctx context.Context) error
}

// Redis implements Client on a go-redis UniversalClient.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing Redis client.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", wrap(err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (r *Redis) GetDel(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", wrap(err)
	}
	return v, nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", wrap(err)
	}
	return v, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	if err := r.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return v, nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (r *Redis) HDelCount(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := r.rdb.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (r *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	if count == 1 && ttl > 0 {
		if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return count, wrap(err)
		}
	}
	return count, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return d, nil
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := r.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := r.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := r.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrap(err)
	}
	return v, nil
}

func (r *Redis) LRem(ctx context.Context, key string, count int64, value string) error {
	if err := r.rdb.LRem(ctx, key, count, value).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (r *Redis) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		keys, next, err := r.rdb.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			return nil, wrap(err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (r *Redis) Atomically(ctx context.Context, fn func(b Batch)) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisBatch{ctx: ctx, pipe: pipe})
		return nil
	})
	if err != nil {
		return wrap(err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

type redisBatch struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (b *redisBatch) Set(key, value string, ttl time.Duration) {
	b.pipe.Set(b.ctx, key, value, ttl)
}

func (b *redisBatch) Del(keys ...string) {
	if len(keys) > 0 {
		b.pipe.Del(b.ctx, keys...)
	}
}

func (b *redisBatch) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	b.pipe.HSet(b.ctx, key, args...)
}

func (b *redisBatch) HDel(key string, fields ...string) {
	if len(fields) > 0 {
		b.pipe.HDel(b.ctx, key, fields...)
	}
}

func (b *redisBatch) LPush(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	b.pipe.LPush(b.ctx, key, args...)
}

func (b *redisBatch) LTrim(key string, start, stop int64) {
	b.pipe.LTrim(b.ctx, key, start, stop)
}

func (b *redisBatch) LRem(key string, count int64, value string) {
	b.pipe.LRem(b.ctx, key, count, value)
}

func (b *redisBatch) Expire(key string, ttl time.Duration) {
	b.pipe.Expire(b.ctx, key, ttl)
}

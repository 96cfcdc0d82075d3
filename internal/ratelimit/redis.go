package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a limiter backed by a shared Redis instance. Use it when
// multiple instances serve traffic and the SQLite file is not shared.
type Redis struct {
	client    *redis.Client
	keyPrefix string

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

// NewRedis creates a Redis backed limiter.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		NowFunc:   time.Now,
	}
}

// checkScript increments the counter and sets the window expiry on the
// first request. Running it as a script makes the read-modify-write
// atomic per key. A key without an expiry (left behind by a crash
// between INCR and EXPIRE, or pre-existing data) would never reset, so
// the script restores the expiry whenever it is missing.
var checkScript = redis.NewScript(`
	local count = redis.call("INCR", KEYS[1])
	local ttl = redis.call("TTL", KEYS[1])
	if count == 1 or ttl < 0 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

func (l *Redis) CheckAndConsume(ctx context.Context, key string, maxRequests int, window time.Duration) (Result, error) {
	redisKey := l.keyPrefix + key

	vals, err := checkScript.Run(ctx, l.client, []string{redisKey}, int(window.Seconds())).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if len(vals) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script result", ErrUnavailable)
	}

	count := int(vals[0])
	ttl := time.Duration(vals[1]) * time.Second
	resetAt := l.NowFunc().Add(ttl)

	if count > maxRequests {
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	return Result{
		Allowed:   true,
		Remaining: maxRequests - count,
		ResetAt:   resetAt,
	}, nil
}

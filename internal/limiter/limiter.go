// Package limiter throttles login failures and token requests with Redis
// fixed-window counters.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"identity_service/internal/models"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrUnavailable = errors.New("rate limiter backend unavailable")
)

type Guard interface {
	// CheckLogin fails with ErrRateLimited when the account or the IP has
	// too many recent failures. It does not count the attempt.
	CheckLogin(ctx context.Context, email, ip string) error
	RecordLoginFailure(ctx context.Context, email, ip string) error
	ResetLogin(ctx context.Context, email string) error
	// AllowRequest counts one token request for purpose and fails with
	// ErrRateLimited once the account or IP is over its budget.
	AllowRequest(ctx context.Context, purpose models.Purpose, email, ip string) error
}

type Config struct {
	LoginMaxFailures   int
	LoginWindow        time.Duration
	RequestMaxRequests int
	RequestWindow      time.Duration
}

type RedisGuard struct {
	redis  redis.UniversalClient
	config Config
}

func NewRedisGuard(redisClient redis.UniversalClient, cfg Config) *RedisGuard {
	return &RedisGuard{
		redis:  redisClient,
		config: cfg,
	}
}

func (g *RedisGuard) CheckLogin(ctx context.Context, email, ip string) error {
	keys := []string{loginAccountKey(email)}
	if ip != "" {
		keys = append(keys, loginIPKey(ip))
	}

	counts, err := g.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, raw := range counts {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		if n >= g.config.LoginMaxFailures {
			return ErrRateLimited
		}
	}

	return nil
}

func (g *RedisGuard) RecordLoginFailure(ctx context.Context, email, ip string) error {
	if _, err := g.incr(ctx, loginAccountKey(email), g.config.LoginWindow); err != nil {
		return err
	}
	if ip != "" {
		if _, err := g.incr(ctx, loginIPKey(ip), g.config.LoginWindow); err != nil {
			return err
		}
	}
	return nil
}

func (g *RedisGuard) ResetLogin(ctx context.Context, email string) error {
	if err := g.redis.Del(ctx, loginAccountKey(email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (g *RedisGuard) AllowRequest(ctx context.Context, purpose models.Purpose, email, ip string) error {
	keys := []string{requestAccountKey(purpose, email)}
	if ip != "" {
		keys = append(keys, requestIPKey(purpose, ip))
	}

	limited := false
	for _, key := range keys {
		count, err := g.incr(ctx, key, g.config.RequestWindow)
		if err != nil {
			return err
		}
		if count > int64(g.config.RequestMaxRequests) {
			limited = true
		}
	}

	if limited {
		return ErrRateLimited
	}
	return nil
}

// incr bumps key and starts its window on the first hit.
func (g *RedisGuard) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count == 1 {
		if err := g.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return count, nil
}

func loginAccountKey(email string) string {
	return "ilf:a:" + models.NormalizeEmail(email)
}

func loginIPKey(ip string) string {
	return "ilf:ip:" + ip
}

func requestAccountKey(purpose models.Purpose, email string) string {
	return "irq:" + string(purpose) + ":a:" + models.NormalizeEmail(email)
}

func requestIPKey(purpose models.Purpose, ip string) string {
	return "irq:" + string(purpose) + ":ip:" + ip
}

// NoopGuard never limits.
type NoopGuard struct{}

func (NoopGuard) CheckLogin(context.Context, string, string) error         { return nil }
func (NoopGuard) RecordLoginFailure(context.Context, string, string) error { return nil }
func (NoopGuard) ResetLogin(context.Context, string) error                 { return nil }

func (NoopGuard) AllowRequest(context.Context, models.Purpose, string, string) error { return nil }

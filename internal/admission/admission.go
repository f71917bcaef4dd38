// Package admission implements the Admission Controller: a
// bucketed sliding-window rate limiter backed by the fast-path cache, with
// fail-open behavior when the cache is unavailable.
package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"usagemeter/internal/models"
	"usagemeter/internal/platform/cache"
)

// granularity is one of the three window sizes a RateLimitPolicy may configure.
type granularity struct {
	name   string
	period time.Duration
	limit  func(p *models.RateLimitPolicy) *int
}

var granularities = []granularity{
	{"second", time.Second, func(p *models.RateLimitPolicy) *int { return p.RequestsPerSecond }},
	{"minute", time.Minute, func(p *models.RateLimitPolicy) *int { return p.RequestsPerMinute }},
	{"hour", time.Hour, func(p *models.RateLimitPolicy) *int { return p.RequestsPerHour }},
}

// Result is the outcome of an Admit call.
type Result struct {
	Allowed       bool
	Limit         int64 // -1 means unlimited
	Remaining     int64 // -1 means unlimited
	ResetAt       time.Time
	RetryAfterSec int64
}

// Controller checks and increments sliding-window buckets in the fast-path cache.
type Controller struct {
	redis   goredis.UniversalClient
	breaker *cache.Breaker
}

// New constructs a Controller.
func New(redis goredis.UniversalClient, breaker *cache.Breaker) *Controller {
	return &Controller{redis: redis, breaker: breaker}
}

// Admit runs the check-then-increment algorithm: read every
// configured bucket without incrementing; reject if any is already at its
// limit; only if all pass, increment all buckets in one pipeline and
// return the most-restrictive remaining count.
//
// If the cache is unavailable (breaker open or the read itself errors),
// Admit fails open: allowed=true with unlimited remaining.
func (c *Controller) Admit(ctx context.Context, identifier string, policy *models.RateLimitPolicy) (Result, error) {
	if policy == nil {
		return Result{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	active := activeGranularities(policy)
	if len(active) == 0 {
		return Result{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	var result Result
	failOpen := false

	err := c.breaker.TryFast(func() error {
		now := time.Now()
		counts := make([]int64, len(active))

		pipe := c.redis.Pipeline()
		cmds := make([]*goredis.StringCmd, len(active))
		for i, g := range active {
			key := bucketKey(identifier, g.g.name, windowStart(now, g.g.period))
			cmds[i] = pipe.Get(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
			return err
		}
		for i, cmd := range cmds {
			n, err := cmd.Int64()
			if err != nil && err != goredis.Nil {
				return err
			}
			counts[i] = n
		}

		var mostRestrictiveIdx = -1
		for i, g := range active {
			if counts[i] >= int64(g.limit) {
				result = Result{
					Allowed:       false,
					Limit:         int64(g.limit),
					Remaining:     0,
					ResetAt:       windowStart(now, g.g.period).Add(g.g.period),
					RetryAfterSec: int64(math.Ceil(time.Until(windowStart(now, g.g.period).Add(g.g.period)).Seconds())),
				}
				return nil
			}
			remaining := int64(g.limit) - counts[i] - 1
			if mostRestrictiveIdx == -1 || remaining < result.Remaining {
				mostRestrictiveIdx = i
				result = Result{
					Allowed:   true,
					Limit:     int64(g.limit),
					Remaining: remaining,
					ResetAt:   windowStart(now, g.g.period).Add(g.g.period),
				}
			}
		}

		incr := c.redis.Pipeline()
		for _, g := range active {
			key := bucketKey(identifier, g.g.name, windowStart(now, g.g.period))
			incr.Incr(ctx, key)
			incr.Expire(ctx, key, 2*g.g.period)
		}
		_, err := incr.Exec(ctx)
		return err
	}, func() error {
		failOpen = true
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if failOpen {
		return Result{Allowed: true, Limit: -1, Remaining: -1}, nil
	}
	return result, nil
}

type activeGranularity struct {
	g     granularity
	limit int
}

func activeGranularities(policy *models.RateLimitPolicy) []activeGranularity {
	var active []activeGranularity
	for _, g := range granularities {
		if lim := g.limit(policy); lim != nil {
			active = append(active, activeGranularity{g: g, limit: *lim})
		}
	}
	return active
}

func windowStart(now time.Time, period time.Duration) time.Time {
	return now.Truncate(period)
}

func bucketKey(identifier, granularityName string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", identifier, granularityName, windowStart.Unix())
}

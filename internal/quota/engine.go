// Package quota implements the Quota Engine: per-(tenant, eventType)
// current-period accounting with HARD/SOFT/DISABLED enforcement, soft
// warnings, overage allowance, and grace period.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	goredis "github.com/redis/go-redis/v9"

	"usagemeter/internal/models"
	"usagemeter/internal/platform/cache"
)

// counterTTL bounds how long a period's counter key lives in the cache.
// Periods are monthly in the reference deployment; 35 days comfortably
// outlives one without growing unbounded across many tenant/eventType pairs.
const counterTTL = 35 * 24 * time.Hour

// reserveScript performs the check-then-increment atomically in
// a single round-trip: it reads the current counter, decides admission
// under the given enforcement mode, and — only if admitted — writes the
// projected value back and refreshes the TTL. The single round-trip is what
// prevents two concurrent
// writers from both observing current == limit and both succeeding.
var reserveScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local qty = tonumber(ARGV[1])
local mode = ARGV[2]
local limit = tonumber(ARGV[3])
local overage = tonumber(ARGV[4])
local grace = ARGV[5] == '1'
local ttl = tonumber(ARGV[6])
local projected = current + qty
local allowed
if mode == 'DISABLED' then
  allowed = true
elseif mode == 'HARD' then
  allowed = (projected <= limit) or grace
elseif mode == 'SOFT' then
  allowed = (projected <= (limit + overage)) or grace
else
  allowed = true
end
if allowed then
  redis.call('SET', KEYS[1], tostring(projected))
  redis.call('EXPIRE', KEYS[1], ttl)
  return {1, tostring(current)}
end
return {0, tostring(current)}
`)

// ErrRejected is returned when CheckAndReserve declines the request; the
// QuotaResult returned alongside it still carries the full detail needed
// for the quota error response.
var ErrRejected = errors.New("quota exceeded")

// Engine checks and reserves quota for (tenant, eventType) pairs.
type Engine struct {
	db      *sql.DB
	redis   goredis.UniversalClient
	breaker *cache.Breaker
}

// New constructs an Engine.
func New(db *sql.DB, redis goredis.UniversalClient, breaker *cache.Breaker) *Engine {
	return &Engine{db: db, redis: redis, breaker: breaker}
}

// Request is one (tenant, eventType) aggregate to check, with quantities
// already summed batch-quota-check rule.
type Request struct {
	TenantID  string
	EventType string
	Quantity  decimal.Decimal
}

// CheckAndReserve evaluates a single (tenant, eventType, qty) request
// against its QuotaLimit, if any, and atomically reserves the quantity
// when admitted.
func (e *Engine) CheckAndReserve(ctx context.Context, req Request, now time.Time) (models.QuotaResult, error) {
	limit, err := e.loadLimit(ctx, req.TenantID, req.EventType)
	if err != nil {
		return models.QuotaResult{}, fmt.Errorf("load quota limit: %w", err)
	}
	if limit == nil {
		return models.QuotaResult{Allowed: true, EnforcementMode: models.EnforcementDisabled}, nil
	}

	period := periodKey(limit.ResetAt, now)
	grace := limit.GracePeriodEnd != nil && now.Before(*limit.GracePeriodEnd)

	overage := decimal.Zero
	if limit.OverageAllowed != nil {
		overage = *limit.OverageAllowed
	}

	var current decimal.Decimal
	var allowed bool

	cacheErr := e.breaker.TryFast(func() error {
		key := counterKey(req.TenantID, req.EventType, period)
		graceArg := "0"
		if grace {
			graceArg = "1"
		}

		res, err := reserveScript.Run(ctx, e.redis, []string{key},
			req.Quantity.String(),
			string(limit.EnforcementMode),
			limit.LimitValue.String(),
			overage.String(),
			graceArg,
			int64(counterTTL.Seconds()),
		).Result()
		if err != nil {
			return err
		}

		parts, ok := res.([]interface{})
		if !ok || len(parts) != 2 {
			return fmt.Errorf("unexpected reserve script result: %v", res)
		}
		allowedN, _ := parts[0].(int64)
		currentStr, _ := parts[1].(string)

		parsed, err := decimal.NewFromString(currentStr)
		if err != nil {
			return err
		}
		current = parsed
		allowed = allowedN == 1
		return nil
	}, func() error {
		sum, err := e.sumSinceReset(ctx, req.TenantID, req.EventType, limit.ResetAt)
		if err != nil {
			return err
		}
		current = sum
		allowed = decide(limit.EnforcementMode, current.Add(req.Quantity), limit.LimitValue, overage, grace)
		return nil
	})
	if cacheErr != nil {
		return models.QuotaResult{}, fmt.Errorf("quota reservation: %w", cacheErr)
	}

	projected := current.Add(req.Quantity)
	// DISABLED quotas still count usage but never warn.
	warning := limit.EnforcementMode != models.EnforcementDisabled &&
		limit.SoftLimitValue != nil && projected.GreaterThan(*limit.SoftLimitValue)

	result := models.QuotaResult{
		Allowed:         allowed,
		Warning:         warning,
		EnforcementMode: limit.EnforcementMode,
		Current:         current,
		Limit:           limit.LimitValue,
		SoftLimit:       limit.SoftLimitValue,
		ResetAt:         limit.ResetAt,
		GracePeriodEnd:  limit.GracePeriodEnd,
	}
	if !allowed {
		return result, ErrRejected
	}
	return result, nil
}

// decide implements the enforcement decision matrix for the store-fallback
// path,
// where the "increment" step is implicit: the next check recomputes SUM
// over persisted events, so nothing needs to be written here.
func decide(mode models.EnforcementMode, projected, limit, overage decimal.Decimal, grace bool) bool {
	switch mode {
	case models.EnforcementDisabled:
		return true
	case models.EnforcementHard:
		return projected.LessThanOrEqual(limit) || grace
	case models.EnforcementSoft:
		return projected.LessThanOrEqual(limit.Add(overage)) || grace
	default:
		return true
	}
}

func (e *Engine) loadLimit(ctx context.Context, tenantID, eventType string) (*models.QuotaLimit, error) {
	var l models.QuotaLimit
	var softLimit, overage sql.NullString
	var graceEnd sql.NullTime

	err := e.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, event_type, limit_value, soft_limit_value,
		       enforcement_mode, overage_allowed, grace_period_end, reset_at,
		       created_at, updated_at
		FROM quota_limits
		WHERE tenant_id = $1 AND event_type = $2
	`, tenantID, eventType).Scan(
		&l.ID, &l.TenantID, &l.EventType, &l.LimitValue, &softLimit,
		&l.EnforcementMode, &overage, &graceEnd, &l.ResetAt,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if softLimit.Valid {
		v, err := decimal.NewFromString(softLimit.String)
		if err != nil {
			return nil, err
		}
		l.SoftLimitValue = &v
	}
	if overage.Valid {
		v, err := decimal.NewFromString(overage.String)
		if err != nil {
			return nil, err
		}
		l.OverageAllowed = &v
	}
	if graceEnd.Valid {
		l.GracePeriodEnd = &graceEnd.Time
	}

	return &l, nil
}

// sumSinceReset is the store-backed fallback for "current" when the cache
// is unavailable.
func (e *Engine) sumSinceReset(ctx context.Context, tenantID, eventType string, resetAt time.Time) (decimal.Decimal, error) {
	var sum sql.NullString
	err := e.db.QueryRowContext(ctx, `
		SELECT SUM(quantity) FROM usage_events
		WHERE tenant_id = $1 AND event_type = $2 AND timestamp >= $3
	`, tenantID, eventType, resetAt).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(sum.String)
}

func periodKey(resetAt, now time.Time) string {
	return resetAt.UTC().Format("2006-01")
}

func counterKey(tenantID, eventType, period string) string {
	return fmt.Sprintf("quota:%s:%s:%s", tenantID, eventType, period)
}

// Package idempotency implements the Idempotency Filter: detecting
// previously-accepted events by (organizationId, idempotencyKey) and
// routing duplicates to a no-op branch. The fast-path cache is consulted
// first, the store is the fallback and ultimate guarantor via its unique
// constraint.
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"usagemeter/internal/platform/cache"
)

// DefaultTTL is the idempotency cache TTL floor: at least 24h.
const DefaultTTL = 24 * time.Hour

// Filter classifies events by idempotency key against the fast-path cache
// and, for cache misses, the system of record.
type Filter struct {
	redis   goredis.UniversalClient
	db      *sql.DB
	breaker *cache.Breaker
	ttl     time.Duration
}

// New constructs a Filter with the given cache TTL, raised to DefaultTTL
// when shorter.
func New(redis goredis.UniversalClient, db *sql.DB, breaker *cache.Breaker, ttl time.Duration) *Filter {
	if ttl < DefaultTTL {
		ttl = DefaultTTL
	}
	return &Filter{redis: redis, db: db, breaker: breaker, ttl: ttl}
}

// Classify returns idempotencyKey → existingEventId for every key in keys
// that already has a persisted event. Keys with no existing event are
// simply absent from the result. Events without a key are never considered
// duplicates and are not passed in here.
func (f *Filter) Classify(ctx context.Context, orgID string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	found := make(map[string]string, len(keys))
	var uncached []string

	err := f.breaker.TryFast(func() error {
		cmds := make(map[string]*goredis.StringCmd, len(keys))
		pipe := f.redis.Pipeline()
		for _, key := range keys {
			cmds[key] = pipe.Get(ctx, cacheKey(orgID, key))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
			return err
		}
		for key, cmd := range cmds {
			eventID, err := cmd.Result()
			if err == goredis.Nil {
				uncached = append(uncached, key)
				continue
			}
			if err != nil {
				return err
			}
			found[key] = eventID
		}
		return nil
	}, func() error {
		uncached = keys
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency cache lookup: %w", err)
	}

	if len(uncached) == 0 {
		return found, nil
	}

	fromStore, err := f.lookupStore(ctx, orgID, uncached)
	if err != nil {
		return nil, fmt.Errorf("idempotency store lookup: %w", err)
	}
	for key, eventID := range fromStore {
		found[key] = eventID
		f.populate(orgID, key, eventID)
	}

	return found, nil
}

func (f *Filter) lookupStore(ctx context.Context, orgID string, keys []string) (map[string]string, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT idempotency_key, id FROM usage_events
		WHERE organization_id = $1 AND idempotency_key = ANY($2)
	`, orgID, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		out[key] = id
	}
	return out, rows.Err()
}

// populate writes a cache entry for a key found only in the store. This is
// best-effort: the cache is never authoritative, so failures are swallowed.
func (f *Filter) populate(orgID, key, eventID string) {
	_ = f.breaker.TryFast(func() error {
		return f.redis.Set(context.Background(), cacheKey(orgID, key), eventID, f.ttl).Err()
	}, func() error { return nil })
}

// Remember writes the cache entry for a freshly persisted event's
// idempotency key.
func (f *Filter) Remember(orgID, key, eventID string) {
	if key == "" {
		return
	}
	f.populate(orgID, key, eventID)
}

func cacheKey(orgID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", orgID, key)
}

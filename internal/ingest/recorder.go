// Package ingest implements the Event Recorder: the ingest pipeline that
// runs once the HTTP layer has validated the credential and admitted the
// request, orchestrating tenant resolution, idempotency classification,
// quota reservation, durable persistence, and best-effort rolling-counter
// and idempotency-cache warm-up.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	goredis "github.com/redis/go-redis/v9"

	"usagemeter/internal/idempotency"
	"usagemeter/internal/models"
	"usagemeter/internal/platform/cache"
	"usagemeter/internal/platform/logging"
	"usagemeter/internal/quota"
	"usagemeter/internal/tenants"
)

// ErrBatchTooLarge is returned when a caller submits more than MaxBatchSize
// events in one request.
var ErrBatchTooLarge = errors.New("batch exceeds maximum of 1000 events")

// MaxBatchSize is the per-request batch ceiling.
const MaxBatchSize = 1000

// FutureSkewTolerance is how far ahead of the server clock a caller-supplied
// timestamp may run before it is rejected as invalid. Late-arriving events
// are legitimate; events from the future are a caller bug.
const FutureSkewTolerance = 5 * time.Minute

// ValidationError is a per-event client error; Index
// is the position of the offending event in the caller's batch.
type ValidationError struct {
	Index int
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %d: %s: %s", e.Index, e.Field, e.Msg)
}

// QuotaViolation describes one (tenant, eventType) pair that failed
// quota enforcement, for the batch `violations` array. TenantID is the
// caller-facing external id, not the internal row id.
type QuotaViolation struct {
	TenantID  string
	EventType string
	Result    models.QuotaResult
}

// QuotaRejectedError is returned when any aggregated (tenant, eventType)
// pair in the batch fails quota enforcement; this rejects the
// entire batch and persists nothing.
type QuotaRejectedError struct {
	Violations []QuotaViolation
}

func (e *QuotaRejectedError) Error() string {
	return fmt.Sprintf("quota exceeded for %d (tenant, event_type) pair(s)", len(e.Violations))
}

// InputEvent is one caller-supplied event from the ingest request body.
type InputEvent struct {
	TenantExternalID string
	EventType        string
	Quantity         decimal.Decimal
	Metadata         models.JSONB
	Timestamp        *time.Time
	IdempotencyKey   *string
}

// OutputEvent is the positionally-aligned response for one input event.
type OutputEvent struct {
	EventID        string
	TenantExternal string
	EventType      string
	IdempotencyKey *string
	Deduplicated   bool
}

// Recorder orchestrates the ingest pipeline.
type Recorder struct {
	db           *sql.DB
	redis        goredis.UniversalClient
	breaker      *cache.Breaker
	resolver     *tenants.Resolver
	idempotency  *idempotency.Filter
	quotaEngine  *quota.Engine
	logger       logging.Logger
	onIngested   func(eventType string, count int)
	onDuplicate  func(eventType string, count int)
}

// New constructs a Recorder.
func New(
	db *sql.DB,
	redis goredis.UniversalClient,
	breaker *cache.Breaker,
	resolver *tenants.Resolver,
	filter *idempotency.Filter,
	quotaEngine *quota.Engine,
	logger logging.Logger,
) *Recorder {
	return &Recorder{
		db:          db,
		redis:       redis,
		breaker:     breaker,
		resolver:    resolver,
		idempotency: filter,
		quotaEngine: quotaEngine,
		logger:      logger,
	}
}

// OnMetrics registers best-effort callbacks invoked after persistence for
// ingested/deduplicated counts per event type; either may be nil.
func (r *Recorder) OnMetrics(onIngested, onDuplicate func(eventType string, count int)) {
	r.onIngested = onIngested
	r.onDuplicate = onDuplicate
}

// Ingest runs the pipeline for a batch of events already admitted
// past credential validation and rate limiting. orgID is the caller's
// organization; now is the ingest-time clock used for quota accounting
// (quota is about admission, not the event's own timestamp).
func (r *Recorder) Ingest(ctx context.Context, orgID string, inputs []InputEvent, now time.Time) ([]OutputEvent, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if len(inputs) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	for i, in := range inputs {
		if in.EventType == "" || len(in.EventType) > 100 {
			return nil, &ValidationError{Index: i, Field: "event_type", Msg: "must be 1-100 characters"}
		}
		if in.TenantExternalID == "" {
			return nil, &ValidationError{Index: i, Field: "tenant_id", Msg: "is required"}
		}
		if !in.Quantity.IsPositive() {
			return nil, &ValidationError{Index: i, Field: "quantity", Msg: "must be > 0"}
		}
		if in.IdempotencyKey != nil && len(*in.IdempotencyKey) > 255 {
			return nil, &ValidationError{Index: i, Field: "idempotency_key", Msg: "must be <= 255 characters"}
		}
		if in.Timestamp != nil && in.Timestamp.After(now.Add(FutureSkewTolerance)) {
			return nil, &ValidationError{Index: i, Field: "timestamp", Msg: "is too far in the future"}
		}
	}

	// Step 4: resolve tenants in one batch.
	externalIDs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		externalIDs = append(externalIDs, in.TenantExternalID)
	}
	tenantByExternal, err := r.resolver.Resolve(ctx, orgID, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve tenants: %w", err)
	}

	// Step 5: classify by idempotency key.
	keys := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if in.IdempotencyKey != nil && *in.IdempotencyKey != "" {
			keys = append(keys, *in.IdempotencyKey)
		}
	}
	existing, err := r.idempotency.Classify(ctx, orgID, keys)
	if err != nil {
		return nil, fmt.Errorf("classify idempotency: %w", err)
	}

	outputs := make([]OutputEvent, len(inputs))
	freshIdx := make([]int, 0, len(inputs))
	for i, in := range inputs {
		if in.IdempotencyKey != nil {
			if existingID, dup := existing[*in.IdempotencyKey]; dup {
				outputs[i] = OutputEvent{
					EventID:        existingID,
					TenantExternal: in.TenantExternalID,
					EventType:      in.EventType,
					IdempotencyKey: in.IdempotencyKey,
					Deduplicated:   true,
				}
				continue
			}
		}
		freshIdx = append(freshIdx, i)
	}

	if len(freshIdx) == 0 {
		return outputs, nil
	}

	// Step 6: aggregate fresh quantities per (tenant, eventType) and check
	// quota once per pair; reject the whole batch on any
	// violation.
	type pairKey struct{ tenantID, eventType string }
	aggregated := make(map[pairKey]decimal.Decimal)
	externalByTenant := make(map[string]string, len(tenantByExternal))
	for ext, id := range tenantByExternal {
		externalByTenant[id] = ext
	}
	for _, idx := range freshIdx {
		in := inputs[idx]
		tenantID := tenantByExternal[in.TenantExternalID]
		k := pairKey{tenantID, in.EventType}
		aggregated[k] = aggregated[k].Add(in.Quantity)
	}

	var violations []QuotaViolation
	for k, qty := range aggregated {
		res, err := r.quotaEngine.CheckAndReserve(ctx, quota.Request{TenantID: k.tenantID, EventType: k.eventType, Quantity: qty}, now)
		if err != nil && !errors.Is(err, quota.ErrRejected) {
			return nil, fmt.Errorf("check quota: %w", err)
		}
		if !res.Allowed {
			violations = append(violations, QuotaViolation{TenantID: externalByTenant[k.tenantID], EventType: k.eventType, Result: res})
		}
	}
	if len(violations) > 0 {
		return nil, &QuotaRejectedError{Violations: violations}
	}

	// Step 7: persist fresh events in one batched write.
	prepared := make([]preparedEvent, 0, len(freshIdx))
	for _, idx := range freshIdx {
		in := inputs[idx]
		ts := now
		if in.Timestamp != nil {
			ts = *in.Timestamp
		}
		in.Timestamp = &ts
		prepared = append(prepared, preparedEvent{
			idx:      idx,
			id:       uuid.New().String(),
			tenantID: tenantByExternal[in.TenantExternalID],
			in:       in,
		})
	}

	persisted, err := r.persistBatch(ctx, orgID, prepared)
	if err != nil {
		return nil, fmt.Errorf("persist events: %w", err)
	}

	for i, p := range prepared {
		outputs[p.idx] = OutputEvent{
			EventID:        persisted[i].id,
			TenantExternal: p.in.TenantExternalID,
			EventType:      p.in.EventType,
			IdempotencyKey: p.in.IdempotencyKey,
			Deduplicated:   persisted[i].deduplicated,
		}

		// Step 8: warm the idempotency cache for persisted fresh events.
		if p.in.IdempotencyKey != nil && !persisted[i].deduplicated {
			r.idempotency.Remember(orgID, *p.in.IdempotencyKey, persisted[i].id)
		}
	}

	// Step 9: best-effort rolling counters, fire-and-forget.
	r.updateRollingCounters(prepared)
	r.reportMetrics(prepared, persisted)

	return outputs, nil
}

// preparedEvent is a fresh event that has survived idempotency/quota
// checks and is ready to be persisted.
type preparedEvent struct {
	idx      int
	id       string
	tenantID string
	in       InputEvent
}

type persistedEvent struct {
	id           string
	deduplicated bool
}

// persistBatch inserts the prepared events inside a single transaction.
// A conflict on (organization_id, idempotency_key) is expected control
// flow: the insert does nothing, which means a concurrent writer (or an
// earlier event in the same batch) already holds the key, so we re-read
// the winning row and report it as a duplicate rather than failing the
// request.
func (r *Recorder) persistBatch(ctx context.Context, orgID string, prepared []preparedEvent) ([]persistedEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]persistedEvent, len(prepared))
	for i, p := range prepared {
		var idempKey interface{}
		if p.in.IdempotencyKey != nil {
			idempKey = *p.in.IdempotencyKey
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO usage_events
				(id, tenant_id, organization_id, event_type, quantity, metadata, timestamp, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (organization_id, idempotency_key) DO NOTHING
		`, p.id, p.tenantID, orgID, p.in.EventType, p.in.Quantity, p.in.Metadata, *p.in.Timestamp, idempKey)
		if err != nil {
			return nil, fmt.Errorf("insert event %d: %w", p.idx, err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			var winningID string
			lookupErr := tx.QueryRowContext(ctx, `
				SELECT id FROM usage_events WHERE organization_id = $1 AND idempotency_key = $2
			`, orgID, idempKey).Scan(&winningID)
			if lookupErr != nil {
				return nil, fmt.Errorf("resolve idempotency race for event %d: %w", p.idx, lookupErr)
			}
			out[i] = persistedEvent{id: winningID, deduplicated: true}
			continue
		}
		out[i] = persistedEvent{id: p.id, deduplicated: false}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// updateRollingCounters fires hourly/daily counter increments in the
// background; failure must never fail the ingest request.
func (r *Recorder) updateRollingCounters(prepared []preparedEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, p := range prepared {
			ts := *p.in.Timestamp
			hourKey := fmt.Sprintf("counter:hourly:%s:%s:%s", p.tenantID, p.in.EventType, ts.UTC().Format("2006010215"))
			dayKey := fmt.Sprintf("counter:daily:%s:%s:%s", p.tenantID, p.in.EventType, ts.UTC().Format("20060102"))

			qty, _ := p.in.Quantity.Float64()
			_ = r.breaker.TryFast(func() error {
				pipe := r.redis.Pipeline()
				pipe.IncrByFloat(ctx, hourKey, qty)
				pipe.Expire(ctx, hourKey, 48*time.Hour)
				pipe.IncrByFloat(ctx, dayKey, qty)
				pipe.Expire(ctx, dayKey, 32*24*time.Hour)
				_, err := pipe.Exec(ctx)
				return err
			}, func() error { return nil })
		}
	}()
}

func (r *Recorder) reportMetrics(prepared []preparedEvent, persisted []persistedEvent) {
	if r.onIngested == nil && r.onDuplicate == nil {
		return
	}
	for i, p := range prepared {
		if persisted[i].deduplicated {
			if r.onDuplicate != nil {
				r.onDuplicate(p.in.EventType, 1)
			}
			continue
		}
		if r.onIngested != nil {
			r.onIngested(p.in.EventType, 1)
		}
	}
}

package quota

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	goredis "github.com/redis/go-redis/v9"

	"usagemeter/internal/models"
	"usagemeter/internal/platform/cache"
	"usagemeter/internal/platform/logging"
)

func newEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	breaker := cache.NewBreaker(cache.DefaultBreakerConfig("test-quota", logging.NewLogger()))
	return New(db, client, breaker), mock, mr
}

func expectLimitQuery(mock sqlmock.Sqlmock, tenantID, eventType string, limit models.QuotaLimit) {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "event_type", "limit_value", "soft_limit_value",
		"enforcement_mode", "overage_allowed", "grace_period_end", "reset_at",
		"created_at", "updated_at",
	}).AddRow(limit.ID, limit.TenantID, limit.EventType, limit.LimitValue.String(), nil,
		limit.EnforcementMode, nil, nil, limit.ResetAt, time.Now(), time.Now())

	mock.ExpectQuery("SELECT id, tenant_id, event_type, limit_value").
		WithArgs(tenantID, eventType).
		WillReturnRows(rows)
}

func TestCheckAndReserve_NoLimitIsUnlimited(t *testing.T) {
	e, mock, _ := newEngine(t)
	mock.ExpectQuery("SELECT id, tenant_id, event_type, limit_value").
		WithArgs("t1", "api_request").
		WillReturnError(sql.ErrNoRows)

	res, err := e.CheckAndReserve(context.Background(), Request{TenantID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(1)}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.EnforcementMode != models.EnforcementDisabled {
		t.Fatalf("expected unlimited allow, got %+v", res)
	}
}

func TestCheckAndReserve_HardLimitRejectsOverage(t *testing.T) {
	e, mock, _ := newEngine(t)
	limit := models.QuotaLimit{
		ID: "q1", TenantID: "t1", EventType: "api_request",
		LimitValue: decimal.NewFromInt(10), EnforcementMode: models.EnforcementHard,
		ResetAt: time.Now(),
	}

	// First 9 units admitted one at a time; a 2-unit request that would
	// overshoot the limit is rejected, then the tenth unit is admitted at
	// exactly the limit.
	for i := 0; i < 9; i++ {
		expectLimitQuery(mock, "t1", "api_request", limit)
		res, err := e.CheckAndReserve(context.Background(), Request{TenantID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(1)}, time.Now())
		if err != nil || !res.Allowed {
			t.Fatalf("unit %d should be admitted, got %+v err=%v", i, res, err)
		}
	}

	expectLimitQuery(mock, "t1", "api_request", limit)
	res, err := e.CheckAndReserve(context.Background(), Request{TenantID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(2)}, time.Now())
	if err != ErrRejected {
		t.Fatalf("expected ErrRejected, got %+v err=%v", res, err)
	}
	if res.Allowed {
		t.Fatal("expected rejection when projected exceeds hard limit")
	}

	expectLimitQuery(mock, "t1", "api_request", limit)
	res, err = e.CheckAndReserve(context.Background(), Request{TenantID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(1)}, time.Now())
	if err != nil || !res.Allowed {
		t.Fatalf("exact-limit unit should be admitted, got %+v err=%v", res, err)
	}
}

func TestCheckAndReserve_SoftModeAllowsOverageAllowance(t *testing.T) {
	e, mock, _ := newEngine(t)
	overage := decimal.NewFromInt(5)
	limit := models.QuotaLimit{
		ID: "q2", TenantID: "t1", EventType: "storage",
		LimitValue: decimal.NewFromInt(10), EnforcementMode: models.EnforcementSoft,
		OverageAllowed: &overage, ResetAt: time.Now(),
	}

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "event_type", "limit_value", "soft_limit_value",
		"enforcement_mode", "overage_allowed", "grace_period_end", "reset_at",
		"created_at", "updated_at",
	}).AddRow(limit.ID, limit.TenantID, limit.EventType, limit.LimitValue.String(), nil,
		limit.EnforcementMode, limit.OverageAllowed.String(), nil, limit.ResetAt, time.Now(), time.Now())
	mock.ExpectQuery("SELECT id, tenant_id, event_type, limit_value").
		WithArgs("t1", "storage").
		WillReturnRows(rows)

	res, err := e.CheckAndReserve(context.Background(), Request{TenantID: "t1", EventType: "storage", Quantity: decimal.NewFromInt(14)}, time.Now())
	if err != nil {
		t.Fatalf("expected admission within overage allowance, got err=%v res=%+v", err, res)
	}
	if !res.Allowed {
		t.Fatal("expected allowed within soft overage band")
	}
}

func TestCheckAndReserve_DisabledModeNeverWarns(t *testing.T) {
	e, mock, _ := newEngine(t)
	limit := models.QuotaLimit{
		ID: "q4", TenantID: "t1", EventType: "api_request",
		LimitValue: decimal.NewFromInt(10), EnforcementMode: models.EnforcementDisabled,
		ResetAt: time.Now(),
	}
	softLimit := decimal.NewFromInt(5)

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "event_type", "limit_value", "soft_limit_value",
		"enforcement_mode", "overage_allowed", "grace_period_end", "reset_at",
		"created_at", "updated_at",
	}).AddRow(limit.ID, limit.TenantID, limit.EventType, limit.LimitValue.String(), softLimit.String(),
		limit.EnforcementMode, nil, nil, limit.ResetAt, time.Now(), time.Now())
	mock.ExpectQuery("SELECT id, tenant_id, event_type, limit_value").
		WithArgs("t1", "api_request").
		WillReturnRows(rows)

	res, err := e.CheckAndReserve(context.Background(), Request{TenantID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(20)}, time.Now())
	if err != nil || !res.Allowed {
		t.Fatalf("disabled mode must always admit, got %+v err=%v", res, err)
	}
	if res.Warning {
		t.Fatal("disabled mode must not surface a warning even past the soft limit")
	}
}

func TestCheckAndReserve_RejectedRequestDoesNotConsume(t *testing.T) {
	e, mock, _ := newEngine(t)
	limit := models.QuotaLimit{
		ID: "q3", TenantID: "t1", EventType: "api_request",
		LimitValue: decimal.NewFromInt(1), EnforcementMode: models.EnforcementHard,
		ResetAt: time.Now(),
	}

	expectLimitQuery(mock, "t1", "api_request", limit)
	if res, err := e.CheckAndReserve(context.Background(), Request{TenantID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(2)}, time.Now()); err != ErrRejected || res.Allowed {
		t.Fatalf("expected rejection, got %+v err=%v", res, err)
	}

	expectLimitQuery(mock, "t1", "api_request", limit)
	res, err := e.CheckAndReserve(context.Background(), Request{TenantID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(1)}, time.Now())
	if err != nil || !res.Allowed {
		t.Fatalf("expected the rejected attempt to not have consumed quota, got %+v err=%v", res, err)
	}
}

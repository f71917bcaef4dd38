package ingest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	goredis "github.com/redis/go-redis/v9"

	"usagemeter/internal/idempotency"
	"usagemeter/internal/platform/cache"
	"usagemeter/internal/platform/logging"
	"usagemeter/internal/quota"
	"usagemeter/internal/tenants"
)

func newRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := logging.NewLogger()
	breaker := cache.NewBreaker(cache.DefaultBreakerConfig("test-ingest", logger))
	resolver := tenants.New(db)
	filter := idempotency.New(client, db, breaker, time.Hour)
	quotaEngine := quota.New(db, client, breaker)

	return New(db, client, breaker, resolver, filter, quotaEngine, logger), mock, mr
}

func TestIngest_RejectsEmptyEventType(t *testing.T) {
	r, _, _ := newRecorder(t)
	_, err := r.Ingest(context.Background(), "org-1", []InputEvent{
		{TenantExternalID: "t1", EventType: "", Quantity: decimal.NewFromInt(1)},
	}, time.Now())

	var verr *ValidationError
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !asValidationError(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if verr.Field != "event_type" {
		t.Fatalf("expected event_type field error, got %s", verr.Field)
	}
}

func TestIngest_RejectsNonPositiveQuantity(t *testing.T) {
	r, _, _ := newRecorder(t)
	_, err := r.Ingest(context.Background(), "org-1", []InputEvent{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: decimal.Zero},
	}, time.Now())
	if err == nil {
		t.Fatal("expected validation error for zero quantity")
	}
}

func TestIngest_RejectsFarFutureTimestamp(t *testing.T) {
	r, _, _ := newRecorder(t)
	now := time.Now()
	future := now.Add(FutureSkewTolerance + time.Minute)
	_, err := r.Ingest(context.Background(), "org-1", []InputEvent{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(1), Timestamp: &future},
	}, now)

	var verr *ValidationError
	if err == nil || !asValidationError(err, &verr) || verr.Field != "timestamp" {
		t.Fatalf("expected timestamp validation error, got %v", err)
	}
}

func TestIngest_AcceptsLateTimestamp(t *testing.T) {
	r, mock, _ := newRecorder(t)
	now := time.Now()
	late := now.Add(-30 * 24 * time.Hour)

	mock.ExpectQuery("SELECT external_id, id FROM tenants").
		WithArgs("org-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"external_id", "id"}).AddRow("t1", "tenant-1"))

	mock.ExpectQuery("SELECT id, tenant_id, event_type, limit_value").
		WithArgs("tenant-1", "api_request").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outputs, err := r.Ingest(context.Background(), "org-1", []InputEvent{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(1), Timestamp: &late},
	}, now)
	if err != nil {
		t.Fatalf("late-arriving event should be accepted: %v", err)
	}
	if outputs[0].Deduplicated {
		t.Fatal("expected fresh persist")
	}
}

func TestIngest_RejectsOversizedBatch(t *testing.T) {
	r, _, _ := newRecorder(t)
	inputs := make([]InputEvent, MaxBatchSize+1)
	for i := range inputs {
		inputs[i] = InputEvent{TenantExternalID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(1)}
	}
	_, err := r.Ingest(context.Background(), "org-1", inputs, time.Now())
	if err != ErrBatchTooLarge {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestIngest_PersistsFreshEvent(t *testing.T) {
	r, mock, _ := newRecorder(t)
	now := time.Now()

	mock.ExpectQuery("SELECT external_id, id FROM tenants").
		WithArgs("org-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"external_id", "id"}))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tenants").
		WithArgs("org-1", "t1", "t1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tenant-1"))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT id, tenant_id, event_type, limit_value").
		WithArgs("tenant-1", "api_request").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	outputs, err := r.Ingest(context.Background(), "org-1", []InputEvent{
		{TenantExternalID: "t1", EventType: "api_request", Quantity: decimal.NewFromInt(1)},
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Deduplicated {
		t.Fatal("expected fresh event to not be deduplicated")
	}
	if outputs[0].EventID == "" {
		t.Fatal("expected a generated event id")
	}
}

func asValidationError(err error, target **ValidationError) bool {
	if v, ok := err.(*ValidationError); ok {
		*target = v
		return true
	}
	return false
}

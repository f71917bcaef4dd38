package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"usagemeter/internal/platform/cache"
	"usagemeter/internal/platform/logging"
)

func newFilter(t *testing.T) (*Filter, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	breaker := cache.NewBreaker(cache.DefaultBreakerConfig("test-idempotency", logging.NewLogger()))
	return New(client, db, breaker, time.Hour), mock, mr
}

func TestClassify_CacheHit(t *testing.T) {
	f, _, mr := newFilter(t)
	if err := mr.Set("idempotency:org-1:k1", "event-1"); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	found, err := f.Classify(context.Background(), "org-1", []string{"k1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found["k1"] != "event-1" {
		t.Fatalf("expected cache hit for k1, got %v", found)
	}
}

func TestClassify_StoreFallbackAndPopulate(t *testing.T) {
	f, mock, mr := newFilter(t)

	rows := sqlmock.NewRows([]string{"idempotency_key", "id"}).AddRow("k2", "event-2")
	mock.ExpectQuery("SELECT idempotency_key, id FROM usage_events").
		WithArgs("org-1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	found, err := f.Classify(context.Background(), "org-1", []string{"k2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found["k2"] != "event-2" {
		t.Fatalf("expected store hit for k2, got %v", found)
	}

	cached, err := mr.Get("idempotency:org-1:k2")
	if err != nil {
		t.Fatalf("expected k2 to be populated into cache: %v", err)
	}
	if cached != "event-2" {
		t.Fatalf("expected cached value event-2, got %s", cached)
	}
}

func TestClassify_NoMatch(t *testing.T) {
	f, mock, _ := newFilter(t)

	mock.ExpectQuery("SELECT idempotency_key, id FROM usage_events").
		WithArgs("org-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key", "id"}))

	found, err := f.Classify(context.Background(), "org-1", []string{"k3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := found["k3"]; ok {
		t.Fatalf("expected no match for k3, got %v", found)
	}
}

func TestClassify_EmptyKeys(t *testing.T) {
	f, _, _ := newFilter(t)
	found, err := f.Classify(context.Background(), "org-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected empty result, got %v", found)
	}
}

package tenants

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestResolve_EmptyInput(t *testing.T) {
	r, _ := newResolver(t)
	got, err := r.Resolve(context.Background(), "org-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestResolve_AllExisting(t *testing.T) {
	r, mock := newResolver(t)

	mock.ExpectQuery("SELECT external_id, id FROM tenants").
		WithArgs("org-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"external_id", "id"}).
			AddRow("t1", "tenant-1").
			AddRow("t2", "tenant-2"))

	got, err := r.Resolve(context.Background(), "org-1", []string{"t1", "t2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["t1"] != "tenant-1" || got["t2"] != "tenant-2" {
		t.Fatalf("unexpected mapping: %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolve_CreatesMissing(t *testing.T) {
	r, mock := newResolver(t)

	mock.ExpectQuery("SELECT external_id, id FROM tenants").
		WithArgs("org-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"external_id", "id"}).
			AddRow("t1", "tenant-1"))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO tenants").
		WithArgs("org-1", "t2", "t2", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tenant-2"))
	mock.ExpectCommit()

	got, err := r.Resolve(context.Background(), "org-1", []string{"t1", "t2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["t1"] != "tenant-1" {
		t.Fatalf("expected existing tenant mapping, got %v", got)
	}
	if got["t2"] != "tenant-2" {
		t.Fatalf("expected created tenant mapping, got %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolve_DeduplicatesAndSkipsEmpty(t *testing.T) {
	r, mock := newResolver(t)

	mock.ExpectQuery("SELECT external_id, id FROM tenants").
		WithArgs("org-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"external_id", "id"}).
			AddRow("t1", "tenant-1"))

	got, err := r.Resolve(context.Background(), "org-1", []string{"t1", "t1", "", "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got["t1"] != "tenant-1" {
		t.Fatalf("expected single deduplicated mapping, got %v", got)
	}
}

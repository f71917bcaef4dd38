package credentials

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"usagemeter/internal/platform/logging"
)

func TestValidate_Success(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	v := New(mockDB, logging.NewLogger())
	hash := hashToken("um_live_abc123")

	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "key_hash", "prefix", "permissions",
		"expires_at", "revoked_at", "last_used_at", "created_at",
	}).AddRow("key-1", "org-1", hash, "um_live_ab", []byte(`{events:write,usage:read}`), nil, nil, nil, time.Now())

	mock.ExpectQuery("SELECT id, organization_id, key_hash").
		WithArgs(hash).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE api_keys SET last_used_at").
		WithArgs("key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	key, err := v.Validate(context.Background(), "um_live_abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.OrganizationID != "org-1" {
		t.Fatalf("expected org-1, got %s", key.OrganizationID)
	}

	// touchLastUsed is fire-and-forget; give it a moment so the
	// expectation is satisfied before we assert on it.
	time.Sleep(50 * time.Millisecond)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidate_WrongPrefix(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	v := New(mockDB, logging.NewLogger())
	if _, err := v.Validate(context.Background(), "sk_other_vendor"); err != ErrInvalidCredential {
		t.Fatalf("expected ErrInvalidCredential for foreign prefix, got %v", err)
	}
}

func TestValidate_NotFound(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	v := New(mockDB, logging.NewLogger())
	mock.ExpectQuery("SELECT id, organization_id, key_hash").
		WillReturnError(sql.ErrNoRows)

	_, err = v.Validate(context.Background(), "um_unknown")
	if err != ErrInvalidCredential {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestValidate_Revoked(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer mockDB.Close()

	v := New(mockDB, logging.NewLogger())
	hash := hashToken("um_revoked")
	revokedAt := time.Now().Add(-time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "key_hash", "prefix", "permissions",
		"expires_at", "revoked_at", "last_used_at", "created_at",
	}).AddRow("key-2", "org-1", hash, "um_revo", []byte(`{events:write}`), nil, revokedAt, nil, time.Now())

	mock.ExpectQuery("SELECT id, organization_id, key_hash").
		WithArgs(hash).
		WillReturnRows(rows)

	_, err = v.Validate(context.Background(), "um_revoked")
	if err != ErrRevokedCredential {
		t.Fatalf("expected ErrRevokedCredential, got %v", err)
	}
}

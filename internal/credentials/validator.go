// Package credentials implements the credential validator: resolving a
// bearer token to an organization and permission set. Raw tokens are never
// stored; lookup is by SHA-256 hash.
package credentials

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"usagemeter/internal/models"
	"usagemeter/internal/platform/logging"
)

// BrandPrefix is the issued key prefix. Bearers that do not carry it are
// rejected before any hashing or lookup happens.
const BrandPrefix = "um_"

// Rejection reasons returned by Validate.
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrRevokedCredential = errors.New("credential revoked")
	ErrExpiredCredential = errors.New("credential expired")
)

// Validator resolves bearer credentials against the api_keys table.
type Validator struct {
	db     *sql.DB
	logger logging.Logger
}

// New constructs a Validator.
func New(db *sql.DB, logger logging.Logger) *Validator {
	return &Validator{db: db, logger: logger}
}

// Validate hashes the raw bearer token and looks it up by hash. On success
// it schedules a best-effort, non-blocking last_used_at update and returns
// the owning organization id plus the key's permission set.
func (v *Validator) Validate(ctx context.Context, bearer string) (*models.APIKey, error) {
	if !strings.HasPrefix(bearer, BrandPrefix) {
		return nil, ErrInvalidCredential
	}

	hash := hashToken(bearer)

	var key models.APIKey
	var permissions pq.StringArray
	var expiresAt, revokedAt, lastUsedAt sql.NullTime

	err := v.db.QueryRowContext(ctx, `
		SELECT id, organization_id, key_hash, prefix, permissions,
		       expires_at, revoked_at, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1
	`, hash).Scan(
		&key.ID, &key.OrganizationID, &key.KeyHash, &key.Prefix, &permissions,
		&expiresAt, &revokedAt, &lastUsedAt, &key.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}

	for _, p := range permissions {
		key.Permissions = append(key.Permissions, models.Permission(p))
	}
	if revokedAt.Valid {
		key.RevokedAt = &revokedAt.Time
		return nil, ErrRevokedCredential
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
		if time.Now().After(expiresAt.Time) {
			return nil, ErrExpiredCredential
		}
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = &lastUsedAt.Time
	}

	v.touchLastUsed(key.ID)

	return &key, nil
}

// touchLastUsed updates last_used_at in the background. Failure must not
// block or fail the caller's request.
func (v *Validator) touchLastUsed(keyID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := v.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID); err != nil {
			if v.logger != nil {
				v.logger.WithError(err).WithField("api_key_id", keyID).Warn("failed to update last_used_at")
			}
		}
	}()
}

// Has is the permission-membership predicate: case-sensitive, no hierarchy.
func Has(key *models.APIKey, required models.Permission) bool {
	return key.HasPermission(required)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

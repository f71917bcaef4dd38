package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"usagemeter/internal/admission"
	"usagemeter/internal/credentials"
	"usagemeter/internal/models"
	"usagemeter/internal/platform/ctxkeys"
)

// AuthMiddleware wires the Credential Validator and Admission
// Controller into one gin chain link: extract and
// validate the bearer token, then check the caller's rate-limit policy,
// setting the rate-limit headers on both admitted and rejected responses
// whenever a finite limit applies.
func AuthMiddleware(validator *credentials.Validator, admitter *admission.Controller, db *sql.DB, required models.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || len(auth) <= len(prefix) {
			failUnauthorized(c, "missing or malformed authorization header")
			return
		}
		bearer := strings.TrimPrefix(auth, prefix)

		key, err := validator.Validate(c.Request.Context(), bearer)
		if err != nil {
			switch {
			case errors.Is(err, credentials.ErrInvalidCredential):
				failUnauthorized(c, "invalid credential")
			case errors.Is(err, credentials.ErrRevokedCredential):
				failUnauthorized(c, "credential revoked")
			case errors.Is(err, credentials.ErrExpiredCredential):
				failUnauthorized(c, "credential expired")
			default:
				failInternal(c, "failed to validate credential")
			}
			return
		}

		if !key.HasPermission(required) {
			failForbidden(c, "credential lacks required permission: "+string(required))
			return
		}

		policy, err := loadRateLimitPolicy(c.Request.Context(), db, key.OrganizationID, key.ID)
		if err != nil {
			failInternal(c, "failed to load rate limit policy")
			return
		}

		identifier := key.OrganizationID
		if policy != nil && policy.APIKeyID != nil {
			identifier = key.ID
		}

		result, err := admitter.Admit(c.Request.Context(), identifier, policy)
		if err != nil {
			failInternal(c, "failed to evaluate rate limit")
			return
		}

		setRateLimitHeaders(c, result)
		if !result.Allowed {
			fail(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded", nil)
			return
		}

		c.Set("organization_id", key.OrganizationID)
		c.Set("api_key_id", key.ID)

		permStrings := make([]string, len(key.Permissions))
		for i, p := range key.Permissions {
			permStrings[i] = string(p)
		}

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, ctxkeys.KeyOrganizationID, key.OrganizationID)
		ctx = context.WithValue(ctx, ctxkeys.KeyAPIKeyID, key.ID)
		ctx = context.WithValue(ctx, ctxkeys.KeyPermissions, permStrings)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, result admission.Result) {
	if result.Limit < 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if !result.Allowed {
		c.Header("Retry-After", strconv.FormatInt(result.RetryAfterSec, 10))
	}
}

// loadRateLimitPolicy loads the policy governing this caller: a per-key
// override when one exists, otherwise the organization-wide default. A
// missing row means no policy is configured, not an error: the Admission
// Controller treats a nil policy as unlimited.
func loadRateLimitPolicy(ctx context.Context, db *sql.DB, organizationID, apiKeyID string) (*models.RateLimitPolicy, error) {
	var p models.RateLimitPolicy
	var keyID sql.NullString
	var perSecond, perMinute, perHour sql.NullInt64

	err := db.QueryRowContext(ctx, `
		SELECT id, organization_id, api_key_id, requests_per_second, requests_per_minute,
		       requests_per_hour, created_at, updated_at
		FROM rate_limit_policies
		WHERE organization_id = $1 AND (api_key_id = $2 OR api_key_id IS NULL)
		ORDER BY api_key_id NULLS LAST
		LIMIT 1
	`, organizationID, apiKeyID).Scan(
		&p.ID, &p.OrganizationID, &keyID, &perSecond, &perMinute, &perHour,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if keyID.Valid {
		p.APIKeyID = &keyID.String
	}
	if perSecond.Valid {
		v := int(perSecond.Int64)
		p.RequestsPerSecond = &v
	}
	if perMinute.Valid {
		v := int(perMinute.Int64)
		p.RequestsPerMinute = &v
	}
	if perHour.Valid {
		v := int(perHour.Int64)
		p.RequestsPerHour = &v
	}
	return &p, nil
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EnforcementMode is a closed sum of quota behaviors; callers switch on it
// rather than subtype.
type EnforcementMode string

const (
	EnforcementHard     EnforcementMode = "HARD"
	EnforcementSoft     EnforcementMode = "SOFT"
	EnforcementDisabled EnforcementMode = "DISABLED"
)

// QuotaLimit is the per-(tenant, eventType) ceiling consulted by the Quota
// Engine. Absence of a row for a pair means unlimited.
type QuotaLimit struct {
	ID               string           `json:"id" db:"id"`
	TenantID         string           `json:"tenant_id" db:"tenant_id"`
	EventType        string           `json:"event_type" db:"event_type"`
	LimitValue       decimal.Decimal  `json:"limit_value" db:"limit_value"`
	SoftLimitValue   *decimal.Decimal `json:"soft_limit_value,omitempty" db:"soft_limit_value"`
	EnforcementMode  EnforcementMode  `json:"enforcement_mode" db:"enforcement_mode"`
	OverageAllowed   *decimal.Decimal `json:"overage_allowed,omitempty" db:"overage_allowed"`
	GracePeriodEnd   *time.Time       `json:"grace_period_end,omitempty" db:"grace_period_end"`
	ResetAt          time.Time        `json:"reset_at" db:"reset_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// QuotaResult is the outcome of a CheckAndReserve call.
type QuotaResult struct {
	Allowed         bool
	Warning         bool
	EnforcementMode EnforcementMode
	Current         decimal.Decimal
	Limit           decimal.Decimal
	SoftLimit       *decimal.Decimal
	ResetAt         time.Time
	GracePeriodEnd  *time.Time
}

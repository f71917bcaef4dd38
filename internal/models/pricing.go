package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingTier is one band of a step-function price curve for an event
// type. Tiers for one (organizationId, eventType) form a non-overlapping
// partition of [0, ∞) when sorted by TierLevel.
type PricingTier struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	TierLevel      int             `json:"tier_level" db:"tier_level"`
	MinQuantity    decimal.Decimal `json:"min_quantity" db:"min_quantity"`
	MaxQuantity    *decimal.Decimal `json:"max_quantity,omitempty" db:"max_quantity"` // nil = unbounded
	// UnitPrice is denominated in major currency units (dollars), not
	// cents, because per-unit prices for metered usage are routinely
	// sub-cent (e.g. $0.0001/request); only aggregated totals round to
	// integer cents.
	UnitPrice      decimal.Decimal `json:"unit_price" db:"unit_price"`
	EffectiveFrom  time.Time       `json:"effective_from" db:"effective_from"`
	EffectiveTo    *time.Time      `json:"effective_to,omitempty" db:"effective_to"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

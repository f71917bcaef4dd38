package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageEvent is the atom of billing: one observed unit of usage for a
// tenant. Invariants:
//  1. unique per (organizationId, idempotencyKey) when the key is present.
//  2. BilledAt is non-nil iff InvoiceID is non-nil.
//  3. once InvoiceID is set it is never mutated.
//  4. Quantity > 0.
type UsageEvent struct {
	ID              string          `json:"id" db:"id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	OrganizationID  string          `json:"organization_id" db:"organization_id"`
	EventType       string          `json:"event_type" db:"event_type"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	Metadata        JSONB           `json:"metadata,omitempty" db:"metadata"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	IdempotencyKey  *string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	InvoiceID       *string         `json:"invoice_id,omitempty" db:"invoice_id"`
	BilledAt        *time.Time      `json:"billed_at,omitempty" db:"billed_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// UsageSnapshot is the daily roll-up per (tenantId, date, eventType), unique
// on that triple and idempotent under replay.
type UsageSnapshot struct {
	ID        string          `json:"id" db:"id"`
	TenantID  string          `json:"tenant_id" db:"tenant_id"`
	Date      time.Time       `json:"date" db:"date"`
	EventType string          `json:"event_type" db:"event_type"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the invoice lifecycle state:
// DRAFT → PENDING → {PAID | OVERDUE}, and OVERDUE → PAID. OVERDUE is a derived view
// (now > dueDate ∧ status = PENDING) that this implementation also
// materializes via a background sweep. CANCELLED is reachable only from
// DRAFT or PENDING.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "DRAFT"
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceOverdue   InvoiceStatus = "OVERDUE"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// Invoice is the output of the Invoice Builder: one per
// (tenantId, period), with a globally unique, per-organization-increasing
// invoiceNumber.
type Invoice struct {
	ID             string        `json:"id" db:"id"`
	OrganizationID string        `json:"organization_id" db:"organization_id"`
	TenantID       string        `json:"tenant_id" db:"tenant_id"`
	InvoiceNumber  string        `json:"invoice_number" db:"invoice_number"`
	PeriodStart    time.Time     `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time     `json:"period_end" db:"period_end"`
	Status         InvoiceStatus `json:"status" db:"status"`
	SubtotalCents  int64         `json:"subtotal_cents" db:"subtotal_cents"`
	TaxCents       int64         `json:"tax_cents" db:"tax_cents"`
	TotalCents     int64         `json:"total_cents" db:"total_cents"`
	DueDate        time.Time     `json:"due_date" db:"due_date"`
	PaidAt         *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`

	LineItems []InvoiceLineItem `json:"line_items,omitempty" db:"-"`
}

// InvoiceLineItem aggregates one event type's billed quantity for an
// invoice, with the tiered breakdown that produced its total.
type InvoiceLineItem struct {
	ID             string          `json:"id" db:"id"`
	InvoiceID      string          `json:"invoice_id" db:"invoice_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price" db:"unit_price"` // display-only average: totalPrice/quantity
	TotalPriceCents int64          `json:"total_price_cents" db:"total_price_cents"`
	TierBreakdown  TierBreakdown   `json:"tier_breakdown" db:"tier_breakdown"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

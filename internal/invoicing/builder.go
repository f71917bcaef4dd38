// Package invoicing implements the Invoice Builder: aggregating a
// period's events/snapshots, applying ordered tiered pricing per event
// type, writing an invoice and line items, and back-linking every source
// event to that invoice.
package invoicing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"usagemeter/internal/models"
	"usagemeter/internal/platform/logging"
)

// DefaultTaxRate applies when no TAX_RATE is configured.
const DefaultTaxRate = "0.10"

// DefaultDueWindow is how long after period end an invoice falls due.
const DefaultDueWindow = 30 * 24 * time.Hour

// MaxInvoiceNumberRetries bounds the invoice-number collision retry loop.
const MaxInvoiceNumberRetries = 8

// ErrInvoiceNumberExhausted is returned when every retry attempt collides.
var ErrInvoiceNumberExhausted = errors.New("exhausted invoice number retries")

// Builder builds invoices for a tenant/period from persisted events and
// snapshots.
type Builder struct {
	db       *sql.DB
	logger   logging.Logger
	taxRate  decimal.Decimal
	dueAfter time.Duration
}

// New constructs a Builder. taxRate and dueAfter fall back to the package
// defaults when zero.
func New(db *sql.DB, logger logging.Logger, taxRate decimal.Decimal, dueAfter time.Duration) *Builder {
	if taxRate.IsZero() {
		taxRate = decimal.RequireFromString(DefaultTaxRate)
	}
	if dueAfter == 0 {
		dueAfter = DefaultDueWindow
	}
	return &Builder{db: db, logger: logger, taxRate: taxRate, dueAfter: dueAfter}
}

// BuildInvoice aggregates, prices, and commits one tenant's invoice for
// the given period.
func (b *Builder) BuildInvoice(ctx context.Context, tenantID, organizationID, orgSlug string, periodStart, periodEnd time.Time) (*models.Invoice, error) {
	quantities, err := b.aggregateQuantities(ctx, tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("aggregate quantities: %w", err)
	}

	lineItems := make([]models.InvoiceLineItem, 0, len(quantities))
	var subtotalCents int64

	for eventType, qty := range quantities {
		if !qty.IsPositive() {
			continue
		}

		tiers, err := b.loadTiers(ctx, organizationID, eventType, periodStart, periodEnd)
		if err != nil {
			return nil, fmt.Errorf("load pricing tiers for %s: %w", eventType, err)
		}

		li := rateTiers(eventType, qty, tiers)
		subtotalCents += li.TotalPriceCents
		lineItems = append(lineItems, li)
	}

	subtotal := decimal.NewFromInt(subtotalCents)
	tax := subtotal.Mul(b.taxRate).Round(0)
	total := subtotal.Add(tax)

	now := time.Now()
	invoice := &models.Invoice{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		TenantID:       tenantID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Status:         models.InvoiceDraft,
		SubtotalCents:  subtotal.IntPart(),
		TaxCents:       tax.IntPart(),
		TotalCents:     total.IntPart(),
		DueDate:        periodEnd.Add(b.dueAfter),
		CreatedAt:      now,
		UpdatedAt:      now,
		LineItems:      lineItems,
	}

	if err := b.commit(ctx, invoice, orgSlug); err != nil {
		return nil, err
	}

	return invoice, nil
}

// aggregateQuantities groups quantities by event type for the period,
// using daily snapshots when every day of the period has one and
// otherwise recomputing the whole period from raw events.
func (b *Builder) aggregateQuantities(ctx context.Context, tenantID string, periodStart, periodEnd time.Time) (map[string]decimal.Decimal, error) {
	expectedDays := int(periodEnd.Sub(periodStart).Hours() / 24)

	var coveredDays int
	if err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT date) FROM usage_snapshots
		WHERE tenant_id = $1 AND date >= $2 AND date < $3
	`, tenantID, periodStart, periodEnd).Scan(&coveredDays); err != nil {
		return nil, err
	}

	if expectedDays > 0 && coveredDays >= expectedDays {
		snapRows, err := b.db.QueryContext(ctx, `
			SELECT event_type, SUM(quantity) FROM usage_snapshots
			WHERE tenant_id = $1 AND date >= $2 AND date < $3
			GROUP BY event_type
		`, tenantID, periodStart, periodEnd)
		if err != nil {
			return nil, err
		}
		defer snapRows.Close()

		out := make(map[string]decimal.Decimal)
		for snapRows.Next() {
			var eventType string
			var sum sql.NullString
			if err := snapRows.Scan(&eventType, &sum); err != nil {
				return nil, err
			}
			if sum.Valid {
				v, err := decimal.NewFromString(sum.String)
				if err != nil {
					return nil, err
				}
				out[eventType] = out[eventType].Add(v)
			}
		}
		return out, snapRows.Err()
	}

	// Snapshot coverage is incomplete for this range (or this tenant has
	// none yet): fall back to raw events for the whole range.
	eventRows, err := b.db.QueryContext(ctx, `
		SELECT event_type, SUM(quantity) FROM usage_events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY event_type
	`, tenantID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	defer eventRows.Close()

	fallback := make(map[string]decimal.Decimal)
	for eventRows.Next() {
		var eventType string
		var sum sql.NullString
		if err := eventRows.Scan(&eventType, &sum); err != nil {
			return nil, err
		}
		if sum.Valid {
			v, err := decimal.NewFromString(sum.String)
			if err != nil {
				return nil, err
			}
			fallback[eventType] = v
		}
	}
	return fallback, eventRows.Err()
}

func (b *Builder) loadTiers(ctx context.Context, organizationID, eventType string, periodStart, periodEnd time.Time) ([]models.PricingTier, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, organization_id, event_type, tier_level, min_quantity, max_quantity,
		       unit_price, effective_from, effective_to, created_at
		FROM pricing_tiers
		WHERE organization_id = $1 AND event_type = $2
		  AND effective_from < $4 AND (effective_to IS NULL OR effective_to > $3)
		ORDER BY tier_level ASC
	`, organizationID, eventType, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []models.PricingTier
	for rows.Next() {
		var t models.PricingTier
		var maxQty sql.NullString
		var effectiveTo sql.NullTime
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.EventType, &t.TierLevel, &t.MinQuantity, &maxQty,
			&t.UnitPrice, &t.EffectiveFrom, &effectiveTo, &t.CreatedAt); err != nil {
			return nil, err
		}
		if maxQty.Valid {
			v, err := decimal.NewFromString(maxQty.String)
			if err != nil {
				return nil, err
			}
			t.MaxQuantity = &v
		}
		if effectiveTo.Valid {
			t.EffectiveTo = &effectiveTo.Time
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// rateTiers walks the ordered tiers, assigning each the slice of qty that
// falls inside its band.
func rateTiers(eventType string, qty decimal.Decimal, tiers []models.PricingTier) models.InvoiceLineItem {
	if len(tiers) == 0 {
		// No pricing configured at all: nothing to bill, but the line
		// item still records the observed quantity at zero price.
		return models.InvoiceLineItem{
			ID:            uuid.New().String(),
			EventType:     eventType,
			Quantity:      qty,
			UnitPrice:     decimal.Zero,
			TierBreakdown: nil,
		}
	}

	processed := decimal.Zero
	total := decimal.Zero
	var breakdown models.TierBreakdown
	matched := false

	for _, tier := range tiers {
		if processed.GreaterThanOrEqual(qty) {
			break
		}

		upper := qty
		if tier.MaxQuantity != nil && tier.MaxQuantity.LessThan(qty) {
			upper = *tier.MaxQuantity
		}
		lower := decimal.Max(processed, tier.MinQuantity)

		consumed := upper.Sub(lower)
		if consumed.IsNegative() {
			consumed = decimal.Zero
		}
		if consumed.IsZero() {
			continue
		}
		matched = true

		subtotal := consumed.Mul(tier.UnitPrice)
		total = total.Add(subtotal)
		breakdown = append(breakdown, models.TierBreakdownEntry{
			TierLevel: tier.TierLevel,
			Consumed:  consumed.String(),
			UnitPrice: tier.UnitPrice.String(),
			Subtotal:  subtotal.String(),
		})
		processed = processed.Add(consumed)
	}

	if !matched {
		// Pricing misconfiguration: no tier covers [0, qty). Fall back to
		// the first tier's unit price for the whole quantity.
		first := tiers[0]
		subtotal := qty.Mul(first.UnitPrice)
		total = subtotal
		breakdown = models.TierBreakdown{{
			TierLevel: first.TierLevel,
			Consumed:  qty.String(),
			UnitPrice: first.UnitPrice.String(),
			Subtotal:  subtotal.String(),
		}}
	}

	// Tier math runs in major currency units; only the settled line total
	// converts to integer cents.
	totalCents := total.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	unitPrice := decimal.Zero
	if qty.IsPositive() {
		unitPrice = total.Div(qty)
	}

	return models.InvoiceLineItem{
		ID:              uuid.New().String(),
		EventType:       eventType,
		Quantity:        qty,
		UnitPrice:       unitPrice,
		TotalPriceCents: totalCents,
		TierBreakdown:   breakdown,
	}
}

// commit allocates a collision-safe invoice number,
// then in one transaction insert the invoice and line items and back-link
// every unbilled event in range to it. The invoiceId IS NULL filter on the
// backlink update is the serialization point that prevents double-billing
// under concurrent overlapping builds.
func (b *Builder) commit(ctx context.Context, invoice *models.Invoice, orgSlug string) error {
	for attempt := 0; attempt < MaxInvoiceNumberRetries; attempt++ {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE organization_id = $1`, invoice.OrganizationID).Scan(&count); err != nil {
			tx.Rollback()
			return err
		}
		invoice.InvoiceNumber = fmt.Sprintf("INV-%s-%06d", orgSlug, count+1)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO invoices
				(id, organization_id, tenant_id, invoice_number, period_start, period_end,
				 status, subtotal_cents, tax_cents, total_cents, due_date, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, invoice.ID, invoice.OrganizationID, invoice.TenantID, invoice.InvoiceNumber,
			invoice.PeriodStart, invoice.PeriodEnd, invoice.Status, invoice.SubtotalCents,
			invoice.TaxCents, invoice.TotalCents, invoice.DueDate, invoice.CreatedAt, invoice.UpdatedAt)

		if isUniqueViolation(err) {
			tx.Rollback()
			continue
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert invoice: %w", err)
		}

		for i := range invoice.LineItems {
			li := &invoice.LineItems[i]
			li.InvoiceID = invoice.ID
			li.CreatedAt = invoice.CreatedAt
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO invoice_line_items
					(id, invoice_id, event_type, quantity, unit_price, total_price_cents, tier_breakdown, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`, li.ID, li.InvoiceID, li.EventType, li.Quantity, li.UnitPrice, li.TotalPriceCents, li.TierBreakdown, li.CreatedAt); err != nil {
				tx.Rollback()
				return fmt.Errorf("insert line item: %w", err)
			}
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE usage_events
			SET invoice_id = $1, billed_at = $2
			WHERE tenant_id = $3 AND timestamp >= $4 AND timestamp < $5 AND invoice_id IS NULL
		`, invoice.ID, now, invoice.TenantID, invoice.PeriodStart, invoice.PeriodEnd); err != nil {
			tx.Rollback()
			return fmt.Errorf("backlink events: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		if b.logger != nil {
			b.logger.WithFields(logging.Fields{
				"invoice_id":     invoice.ID,
				"invoice_number": invoice.InvoiceNumber,
				"tenant_id":      invoice.TenantID,
			}).Info("invoice built")
		}
		return nil
	}

	return ErrInvoiceNumberExhausted
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

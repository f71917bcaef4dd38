package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"usagemeter/internal/models"
	"usagemeter/internal/platform/logging"
)

// InvoicesHandler serves the invoice read endpoints: retrieving a single
// built invoice with its line items, and listing an organization's invoices.
type InvoicesHandler struct {
	db     *sql.DB
	logger logging.Logger
}

// NewInvoicesHandler constructs an InvoicesHandler.
func NewInvoicesHandler(db *sql.DB, logger logging.Logger) *InvoicesHandler {
	return &InvoicesHandler{db: db, logger: logger}
}

// Get handles GET /api/v1/invoices/:id.
func (h *InvoicesHandler) Get(c *gin.Context) {
	orgID := c.GetString("organization_id")
	id := c.Param("id")

	invoice, err := loadInvoice(c.Request.Context(), h.db, orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		fail(c, http.StatusNotFound, "NOT_FOUND", "invoice not found", nil)
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to load invoice")
		failInternal(c, "failed to load invoice")
		return
	}

	lineItems, err := loadInvoiceLineItems(c.Request.Context(), h.db, invoice.ID)
	if err != nil {
		h.logger.WithError(err).Error("failed to load invoice line items")
		failInternal(c, "failed to load invoice line items")
		return
	}
	invoice.LineItems = lineItems

	c.JSON(http.StatusOK, invoice)
}

// List handles GET /api/v1/invoices?tenant_id=&status=&limit=.
func (h *InvoicesHandler) List(c *gin.Context) {
	orgID := c.GetString("organization_id")

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	query := `
		SELECT i.id, i.organization_id, t.external_id, i.invoice_number, i.period_start, i.period_end,
		       i.status, i.subtotal_cents, i.tax_cents, i.total_cents, i.due_date, i.paid_at,
		       i.created_at, i.updated_at
		FROM invoices i
		JOIN tenants t ON t.id = i.tenant_id
		WHERE i.organization_id = $1
	`
	args := []interface{}{orgID}

	if tenantID := c.Query("tenant_id"); tenantID != "" {
		args = append(args, tenantID)
		query += " AND t.external_id = $" + strconv.Itoa(len(args))
	}
	if status := c.Query("status"); status != "" {
		args = append(args, status)
		query += " AND i.status = $" + strconv.Itoa(len(args))
	}

	args = append(args, limit)
	query += " ORDER BY i.period_start DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := h.db.QueryContext(c.Request.Context(), query, args...)
	if err != nil {
		h.logger.WithError(err).Error("failed to list invoices")
		failInternal(c, "failed to list invoices")
		return
	}
	defer rows.Close()

	invoices := make([]models.Invoice, 0, limit)
	for rows.Next() {
		var inv models.Invoice
		var tenantExternal string
		var paidAt sql.NullTime
		if err := rows.Scan(
			&inv.ID, &inv.OrganizationID, &tenantExternal, &inv.InvoiceNumber, &inv.PeriodStart, &inv.PeriodEnd,
			&inv.Status, &inv.SubtotalCents, &inv.TaxCents, &inv.TotalCents, &inv.DueDate, &paidAt,
			&inv.CreatedAt, &inv.UpdatedAt,
		); err != nil {
			failInternal(c, "failed to scan invoice row")
			return
		}
		inv.TenantID = tenantExternal
		if paidAt.Valid {
			inv.PaidAt = &paidAt.Time
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		failInternal(c, "failed to read invoice rows")
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

func loadInvoice(ctx context.Context, db *sql.DB, orgID, id string) (*models.Invoice, error) {
	var inv models.Invoice
	var tenantExternal string
	var paidAt sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT i.id, i.organization_id, t.external_id, i.invoice_number, i.period_start, i.period_end,
		       i.status, i.subtotal_cents, i.tax_cents, i.total_cents, i.due_date, i.paid_at,
		       i.created_at, i.updated_at
		FROM invoices i
		JOIN tenants t ON t.id = i.tenant_id
		WHERE i.organization_id = $1 AND i.id = $2
	`, orgID, id).Scan(
		&inv.ID, &inv.OrganizationID, &tenantExternal, &inv.InvoiceNumber, &inv.PeriodStart, &inv.PeriodEnd,
		&inv.Status, &inv.SubtotalCents, &inv.TaxCents, &inv.TotalCents, &inv.DueDate, &paidAt,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.TenantID = tenantExternal
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	return &inv, nil
}

func loadInvoiceLineItems(ctx context.Context, db *sql.DB, invoiceID string) ([]models.InvoiceLineItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, invoice_id, event_type, quantity, unit_price, total_price_cents, tier_breakdown, created_at
		FROM invoice_line_items
		WHERE invoice_id = $1
		ORDER BY event_type
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.InvoiceLineItem
	for rows.Next() {
		var li models.InvoiceLineItem
		if err := rows.Scan(
			&li.ID, &li.InvoiceID, &li.EventType, &li.Quantity, &li.UnitPrice,
			&li.TotalPriceCents, &li.TierBreakdown, &li.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, rows.Err()
}

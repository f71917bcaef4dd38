package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"usagemeter/internal/invoicing"
	"usagemeter/internal/jobs"
	"usagemeter/internal/models"
	"usagemeter/internal/platform/logging"
)

// OperatorHandler serves the bearer-gated internal endpoints used by
// scheduled operations: triggering the snapshot job on demand, and building
// an invoice for a single tenant and period outside the regular monthly
// cadence.
type OperatorHandler struct {
	db            *sql.DB
	jobs          *jobs.Manager
	builder       *invoicing.Builder
	logger        logging.Logger
	invoicesBuilt *prometheus.CounterVec
}

// NewOperatorHandler constructs an OperatorHandler. invoicesBuilt may be nil.
func NewOperatorHandler(db *sql.DB, jobManager *jobs.Manager, builder *invoicing.Builder, logger logging.Logger, invoicesBuilt *prometheus.CounterVec) *OperatorHandler {
	return &OperatorHandler{db: db, jobs: jobManager, builder: builder, logger: logger, invoicesBuilt: invoicesBuilt}
}

type buildSnapshotsRequest struct {
	Date string `json:"date"`
}

// BuildSnapshots handles POST /internal/snapshots — an on-demand run of
// the daily snapshot job for one UTC date (yesterday when omitted), for
// backfills and incident recovery.
func (h *OperatorHandler) BuildSnapshots(c *gin.Context) {
	var req buildSnapshotsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			failInvalidRequest(c, "invalid request body", err.Error())
			return
		}
	}

	date := time.Now().UTC().AddDate(0, 0, -1)
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			failInvalidRequest(c, "date must be formatted as YYYY-MM-DD", nil)
			return
		}
		date = parsed
	}

	if err := h.jobs.BuildSnapshots(c.Request.Context(), date); err != nil {
		h.logger.WithError(err).Error("operator-triggered snapshot build failed")
		failInternal(c, "failed to build snapshots")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "date": date.Format("2006-01-02")})
}

type buildInvoiceRequest struct {
	TenantID    string `json:"tenant_id" binding:"required"`
	PeriodStart string `json:"period_start" binding:"required"`
	PeriodEnd   string `json:"period_end" binding:"required"`
}

// BuildInvoice handles POST /internal/invoices — the operator hook
// for generating a tenant's invoice outside the regular monthly cadence.
func (h *OperatorHandler) BuildInvoice(c *gin.Context) {
	var req buildInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failInvalidRequest(c, "invalid request body", err.Error())
		return
	}

	periodStart, err := time.Parse("2006-01-02", req.PeriodStart)
	if err != nil {
		failInvalidRequest(c, "period_start must be formatted as YYYY-MM-DD", nil)
		return
	}
	periodEnd, err := time.Parse("2006-01-02", req.PeriodEnd)
	if err != nil {
		failInvalidRequest(c, "period_end must be formatted as YYYY-MM-DD", nil)
		return
	}

	var internalTenantID, organizationID, orgSlug string
	err = h.db.QueryRowContext(c.Request.Context(), `
		SELECT t.id, t.organization_id, o.slug
		FROM tenants t
		JOIN organizations o ON o.id = t.organization_id
		WHERE t.external_id = $1
	`, req.TenantID).Scan(&internalTenantID, &organizationID, &orgSlug)
	if err != nil {
		h.logger.WithError(err).Error("failed to resolve tenant for invoice build")
		fail(c, http.StatusNotFound, "NOT_FOUND", "tenant not found", nil)
		return
	}

	// Invoice builds walk a whole period of events; bound them separately
	// from the API request deadline.
	buildCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()

	invoice, err := h.builder.BuildInvoice(buildCtx, internalTenantID, organizationID, orgSlug, periodStart, periodEnd)
	if err != nil {
		if h.invoicesBuilt != nil {
			h.invoicesBuilt.WithLabelValues("failed").Inc()
		}
		h.logger.WithError(err).Error("operator-triggered invoice build failed")
		failInternal(c, "failed to build invoice")
		return
	}
	if h.invoicesBuilt != nil {
		h.invoicesBuilt.WithLabelValues(string(invoice.Status)).Inc()
	}

	c.JSON(http.StatusCreated, invoice)
}

type updateInvoiceStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// allowedInvoiceTransitions encodes the invoice lifecycle:
// DRAFT → PENDING → {PAID | OVERDUE}; OVERDUE → PAID; CANCELLED only from
// DRAFT or PENDING.
var allowedInvoiceTransitions = map[models.InvoiceStatus][]models.InvoiceStatus{
	models.InvoiceDraft:   {models.InvoicePending, models.InvoiceCancelled},
	models.InvoicePending: {models.InvoicePaid, models.InvoiceOverdue, models.InvoiceCancelled},
	models.InvoiceOverdue: {models.InvoicePaid},
}

// UpdateInvoiceStatus handles POST /internal/invoices/:id/status — the
// operator hook for advancing an invoice through its lifecycle (finalize a
// draft, record payment, cancel). Illegal transitions are rejected.
func (h *OperatorHandler) UpdateInvoiceStatus(c *gin.Context) {
	var req updateInvoiceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failInvalidRequest(c, "invalid request body", err.Error())
		return
	}
	target := models.InvoiceStatus(req.Status)

	id := c.Param("id")
	var current models.InvoiceStatus
	err := h.db.QueryRowContext(c.Request.Context(), `
		SELECT status FROM invoices WHERE id = $1
	`, id).Scan(&current)
	if err == sql.ErrNoRows {
		fail(c, http.StatusNotFound, "NOT_FOUND", "invoice not found", nil)
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("failed to load invoice status")
		failInternal(c, "failed to load invoice")
		return
	}

	legal := false
	for _, next := range allowedInvoiceTransitions[current] {
		if next == target {
			legal = true
			break
		}
	}
	if !legal {
		failInvalidRequest(c, "illegal invoice status transition", gin.H{
			"from": current,
			"to":   target,
		})
		return
	}

	query := `UPDATE invoices SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`
	args := []interface{}{target, id, current}
	if target == models.InvoicePaid {
		query = `UPDATE invoices SET status = $1, paid_at = now(), updated_at = now() WHERE id = $2 AND status = $3`
	}

	res, err := h.db.ExecContext(c.Request.Context(), query, args...)
	if err != nil {
		h.logger.WithError(err).Error("failed to update invoice status")
		failInternal(c, "failed to update invoice status")
		return
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// A concurrent transition won; report the conflict rather than
		// silently overwriting it.
		fail(c, http.StatusConflict, "CONFLICT", "invoice status changed concurrently", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "status": target})
}

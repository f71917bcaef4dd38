package httpapi

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"usagemeter/internal/platform/logging"
)

// UsageHandler serves the aggregate-usage read endpoint: grouped quantity
// totals for a caller's organization, letting a customer check consumption
// without waiting for the monthly invoice.
type UsageHandler struct {
	db     *sql.DB
	logger logging.Logger
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *sql.DB, logger logging.Logger) *UsageHandler {
	return &UsageHandler{db: db, logger: logger}
}

type usageRow struct {
	Group    string          `json:"group"`
	Quantity decimal.Decimal `json:"quantity"`
	Events   int64           `json:"events"`
}

// Get handles GET /api/v1/usage?group_by=&tenant_id=&event_type=&start_date=&end_date=.
// group_by is one of event_type (default), tenant, or day. The date range
// defaults to the current calendar month (UTC).
func (h *UsageHandler) Get(c *gin.Context) {
	orgID := c.GetString("organization_id")

	var groupExpr string
	switch c.DefaultQuery("group_by", "event_type") {
	case "event_type":
		groupExpr = "e.event_type"
	case "tenant":
		groupExpr = "t.external_id"
	case "day":
		groupExpr = "to_char(date_trunc('day', e.timestamp), 'YYYY-MM-DD')"
	default:
		failInvalidRequest(c, "group_by must be one of event_type, tenant, day", nil)
		return
	}

	now := time.Now().UTC()
	startDate := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	endDate := startDate.AddDate(0, 1, 0)

	if v := c.Query("start_date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			failInvalidRequest(c, "start_date must be formatted as YYYY-MM-DD", nil)
			return
		}
		startDate = parsed
	}
	if v := c.Query("end_date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			failInvalidRequest(c, "end_date must be formatted as YYYY-MM-DD", nil)
			return
		}
		endDate = parsed
	}

	query := `
		SELECT ` + groupExpr + ` AS grp, SUM(e.quantity), COUNT(*)
		FROM usage_events e
		JOIN tenants t ON t.id = e.tenant_id
		WHERE e.organization_id = $1 AND e.timestamp >= $2 AND e.timestamp < $3
	`
	args := []interface{}{orgID, startDate, endDate}

	if tenantID := c.Query("tenant_id"); tenantID != "" {
		args = append(args, tenantID)
		query += " AND t.external_id = $" + strconv.Itoa(len(args))
	}
	if eventType := c.Query("event_type"); eventType != "" {
		args = append(args, eventType)
		query += " AND e.event_type = $" + strconv.Itoa(len(args))
	}

	query += " GROUP BY grp ORDER BY grp"

	rows, err := h.db.QueryContext(c.Request.Context(), query, args...)
	if err != nil {
		h.logger.WithError(err).Error("failed to aggregate usage")
		failInternal(c, "failed to aggregate usage")
		return
	}
	defer rows.Close()

	results := make([]usageRow, 0)
	for rows.Next() {
		var r usageRow
		var sum sql.NullString
		if err := rows.Scan(&r.Group, &sum, &r.Events); err != nil {
			failInternal(c, "failed to scan usage row")
			return
		}
		if sum.Valid {
			v, err := decimal.NewFromString(sum.String)
			if err != nil {
				failInternal(c, "failed to parse usage quantity")
				return
			}
			r.Quantity = v
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		failInternal(c, "failed to read usage rows")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usage":      results,
		"start_date": startDate.Format("2006-01-02"),
		"end_date":   endDate.Format("2006-01-02"),
	})
}

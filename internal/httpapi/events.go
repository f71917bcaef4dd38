package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"usagemeter/internal/ingest"
	"usagemeter/internal/models"
	"usagemeter/internal/platform/logging"
	"usagemeter/internal/quota"
)

var errMissingRequiredFields = errors.New("tenant_id and event_type are required")

// validate backs the struct-tag checks on ingest DTOs. The ingest handler
// reads the raw body itself (to accept both single and batch shapes), so
// gin's own binding validation never runs and the tags are enforced here.
var validate = validator.New()

// EventsHandler serves the ingest endpoint and the event-listing endpoint.
type EventsHandler struct {
	db              *sql.DB
	recorder        *ingest.Recorder
	logger          logging.Logger
	quotaRejections *prometheus.CounterVec
}

// NewEventsHandler constructs an EventsHandler. quotaRejections may be nil.
func NewEventsHandler(db *sql.DB, recorder *ingest.Recorder, logger logging.Logger, quotaRejections *prometheus.CounterVec) *EventsHandler {
	return &EventsHandler{db: db, recorder: recorder, logger: logger, quotaRejections: quotaRejections}
}

type eventRequest struct {
	TenantID       string           `json:"tenant_id" validate:"required,min=1,max=100"`
	EventType      string           `json:"event_type" validate:"required,min=1,max=100"`
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	Metadata       models.JSONB     `json:"metadata,omitempty"`
	Timestamp      *time.Time       `json:"timestamp,omitempty"`
	IdempotencyKey *string          `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

type ingestRequest struct {
	Events []eventRequest `json:"events"`
}

type batchEventResponse struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	EventType      string  `json:"event_type"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	Deduplicated   bool    `json:"deduplicated"`
}

type quotaViolationResponse struct {
	TenantID  string                 `json:"tenant_id"`
	EventType string                 `json:"event_type"`
	Details   map[string]interface{} `json:"details"`
}

// Ingest handles POST /api/v1/events. It accepts either a single event
// object or a {"events": [...]} batch.
func (h *EventsHandler) Ingest(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		failInvalidRequest(c, "failed to read request body", nil)
		return
	}

	reqs, batch, decodeErr := decodeIngestBody(raw)
	if decodeErr != nil {
		failInvalidRequest(c, "malformed request body", decodeErr.Error())
		return
	}

	inputs := make([]ingest.InputEvent, len(reqs))
	for i, r := range reqs {
		if err := validate.Struct(r); err != nil {
			failInvalidRequest(c, "invalid event", gin.H{"index": i, "reason": err.Error()})
			return
		}
		qty := decimal.NewFromInt(1)
		if r.Quantity != nil {
			qty = *r.Quantity
		}
		inputs[i] = ingest.InputEvent{
			TenantExternalID: r.TenantID,
			EventType:        r.EventType,
			Quantity:         qty,
			Metadata:         r.Metadata,
			Timestamp:        r.Timestamp,
			IdempotencyKey:   r.IdempotencyKey,
		}
	}

	orgID := c.GetString("organization_id")
	now := time.Now()

	outputs, err := h.recorder.Ingest(c.Request.Context(), orgID, inputs, now)
	if err != nil {
		h.handleIngestError(c, err)
		return
	}

	if len(outputs) == 1 && !batch {
		c.JSON(http.StatusOK, gin.H{
			"success":      true,
			"event_id":     outputs[0].EventID,
			"deduplicated": outputs[0].Deduplicated,
		})
		return
	}

	events := make([]batchEventResponse, len(outputs))
	eventIDs := make([]string, len(outputs))
	newEvents := 0
	for i, o := range outputs {
		events[i] = batchEventResponse{
			ID:             o.EventID,
			TenantID:       o.TenantExternal,
			EventType:      o.EventType,
			IdempotencyKey: o.IdempotencyKey,
			Deduplicated:   o.Deduplicated,
		}
		eventIDs[i] = o.EventID
		if !o.Deduplicated {
			newEvents++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"count":        len(events),
		"new_events":   newEvents,
		"deduplicated": len(events) - newEvents,
		"event_ids":    eventIDs,
		"events":       events,
	})
}

// decodeIngestBody accepts either a single event object or a
// {"events": [...]} batch envelope, and reports which shape was
// used so the response can mirror it.
func decodeIngestBody(raw []byte) ([]eventRequest, bool, error) {
	var envelope ingestRequest
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Events != nil {
		return envelope.Events, true, nil
	}

	var single eventRequest
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, false, err
	}
	if single.TenantID == "" || single.EventType == "" {
		return nil, false, errMissingRequiredFields
	}
	return []eventRequest{single}, false, nil
}

func (h *EventsHandler) handleIngestError(c *gin.Context, err error) {
	var ve *ingest.ValidationError
	if errors.As(err, &ve) {
		failInvalidRequest(c, ve.Error(), gin.H{"index": ve.Index, "field": ve.Field})
		return
	}

	var qre *ingest.QuotaRejectedError
	if errors.As(err, &qre) {
		violations := make([]quotaViolationResponse, len(qre.Violations))
		for i, v := range qre.Violations {
			details := map[string]interface{}{
				"current":          v.Result.Current.String(),
				"limit":            v.Result.Limit.String(),
				"enforcement_mode": string(v.Result.EnforcementMode),
				"reset_at":         v.Result.ResetAt,
			}
			if v.Result.SoftLimit != nil {
				details["soft_limit"] = v.Result.SoftLimit.String()
			}
			if v.Result.GracePeriodEnd != nil {
				details["grace_period_end"] = v.Result.GracePeriodEnd
			}
			violations[i] = quotaViolationResponse{
				TenantID:  v.TenantID,
				EventType: v.EventType,
				Details:   details,
			}
			if h.quotaRejections != nil {
				h.quotaRejections.WithLabelValues(v.EventType, string(v.Result.EnforcementMode)).Inc()
			}
		}
		fail(c, http.StatusForbidden, "QUOTA_EXCEEDED", "quota exceeded", gin.H{"violations": violations})
		return
	}

	if errors.Is(err, ingest.ErrBatchTooLarge) {
		failInvalidRequest(c, err.Error(), nil)
		return
	}
	if errors.Is(err, quota.ErrRejected) {
		fail(c, http.StatusForbidden, "QUOTA_EXCEEDED", "quota exceeded", nil)
		return
	}

	h.logger.WithError(err).Error("ingest failed")
	failInternal(c, "failed to ingest events")
}

// List handles GET /api/v1/events — the supplemented read endpoint for
// querying persisted events by tenant, event type, and time range.
func (h *EventsHandler) List(c *gin.Context) {
	orgID := c.GetString("organization_id")

	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	query := `
		SELECT e.id, t.external_id, e.event_type, e.quantity, e.timestamp, e.idempotency_key
		FROM usage_events e
		JOIN tenants t ON t.id = e.tenant_id
		WHERE e.organization_id = $1
	`
	args := []interface{}{orgID}

	if tenantID := c.Query("tenant_id"); tenantID != "" {
		args = append(args, tenantID)
		query += " AND t.external_id = $" + strconv.Itoa(len(args))
	}
	if eventType := c.Query("event_type"); eventType != "" {
		args = append(args, eventType)
		query += " AND e.event_type = $" + strconv.Itoa(len(args))
	}
	if startDate := c.Query("start_date"); startDate != "" {
		args = append(args, startDate)
		query += " AND e.timestamp >= $" + strconv.Itoa(len(args))
	}
	if endDate := c.Query("end_date"); endDate != "" {
		args = append(args, endDate)
		query += " AND e.timestamp < $" + strconv.Itoa(len(args))
	}

	args = append(args, limit)
	query += " ORDER BY e.timestamp DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := h.db.QueryContext(c.Request.Context(), query, args...)
	if err != nil {
		h.logger.WithError(err).Error("failed to list events")
		failInternal(c, "failed to list events")
		return
	}
	defer rows.Close()

	type row struct {
		ID             string          `json:"id"`
		TenantID       string          `json:"tenant_id"`
		EventType      string          `json:"event_type"`
		Quantity       decimal.Decimal `json:"quantity"`
		Timestamp      time.Time       `json:"timestamp"`
		IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	}

	results := make([]row, 0, limit)
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.TenantID, &r.EventType, &r.Quantity, &r.Timestamp, &r.IdempotencyKey); err != nil {
			failInternal(c, "failed to scan event row")
			return
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		failInternal(c, "failed to read event rows")
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": results})
}

// Package jobs hosts the long-lived background job manager: the daily
// usage-snapshot build and the OVERDUE materialization sweep. Jobs run on
// their own tickers until Stop, so operators are not required to wire
// external cron for routine work.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"usagemeter/internal/platform/logging"
)

// Manager runs the core's background jobs until Stop is called.
type Manager struct {
	db             *sql.DB
	logger         logging.Logger
	snapshotPeriod time.Duration
	sweepPeriod    time.Duration
	stopCh         chan struct{}
}

// New constructs a Manager. Zero periods fall back to the production
// defaults (snapshots hourly so a restart never misses more than an
// hour's coverage, overdue sweep every 15 minutes).
func New(db *sql.DB, logger logging.Logger, snapshotPeriod, sweepPeriod time.Duration) *Manager {
	if snapshotPeriod <= 0 {
		snapshotPeriod = time.Hour
	}
	if sweepPeriod <= 0 {
		sweepPeriod = 15 * time.Minute
	}
	return &Manager{
		db:             db,
		logger:         logger,
		snapshotPeriod: snapshotPeriod,
		sweepPeriod:    sweepPeriod,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the background goroutines. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("starting metering job manager")
	go m.runSnapshots(ctx)
	go m.runOverdueSweep(ctx)
}

// Stop signals all background goroutines to exit.
func (m *Manager) Stop() {
	m.logger.Info("stopping metering job manager")
	close(m.stopCh)
}

func (m *Manager) runSnapshots(ctx context.Context) {
	ticker := time.NewTicker(m.snapshotPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			yesterday := time.Now().UTC().AddDate(0, 0, -1)
			if err := m.BuildSnapshots(ctx, yesterday); err != nil {
				m.logger.WithError(err).Error("snapshot job failed")
			}
		}
	}
}

func (m *Manager) runOverdueSweep(ctx context.Context) {
	ticker := time.NewTicker(m.sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.SweepOverdueInvoices(ctx); err != nil {
				m.logger.WithError(err).Error("overdue invoice sweep failed")
			}
		}
	}
}

// tenantBatchSize bounds how many tenants one snapshot pass loads at a time.
const tenantBatchSize = 50

// BuildSnapshots builds daily UsageSnapshot rows for the given UTC date
// across all active tenants, in batches, idempotent under replay. date is
// truncated to its UTC midnight boundary;
// the window covered is [00:00, 23:59:59.999] UTC.
func (m *Manager) BuildSnapshots(ctx context.Context, date time.Time) error {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	offset := 0
	for {
		tenantIDs, err := m.activeTenantBatch(ctx, offset, tenantBatchSize)
		if err != nil {
			return fmt.Errorf("list active tenants: %w", err)
		}
		if len(tenantIDs) == 0 {
			break
		}

		for _, tenantID := range tenantIDs {
			if err := m.upsertSnapshotsForTenant(ctx, tenantID, dayStart, dayEnd); err != nil {
				return fmt.Errorf("snapshot tenant %s: %w", tenantID, err)
			}
		}

		offset += len(tenantIDs)
		if len(tenantIDs) < tenantBatchSize {
			break
		}
	}

	m.logger.WithField("date", dayStart.Format("2006-01-02")).Info("snapshot job completed")
	return nil
}

func (m *Manager) activeTenantBatch(ctx context.Context, offset, limit int) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM tenants WHERE status = 'ACTIVE' ORDER BY id OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// upsertSnapshotsForTenant groups the tenant's events for the day by event
// type and upserts one snapshot row per (tenantId, date, eventType),
// idempotent under replay via ON CONFLICT.
func (m *Manager) upsertSnapshotsForTenant(ctx context.Context, tenantID string, dayStart, dayEnd time.Time) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT event_type, SUM(quantity) FROM usage_events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY event_type
	`, tenantID, dayStart, dayEnd)
	if err != nil {
		return err
	}

	type aggregate struct {
		eventType string
		sum       string
	}
	var aggregates []aggregate
	for rows.Next() {
		var a aggregate
		if err := rows.Scan(&a.eventType, &a.sum); err != nil {
			rows.Close()
			return err
		}
		aggregates = append(aggregates, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, a := range aggregates {
		if _, err := m.db.ExecContext(ctx, `
			INSERT INTO usage_snapshots (tenant_id, date, event_type, quantity)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, date, event_type)
			DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
		`, tenantID, dayStart, a.eventType, a.sum); err != nil {
			return err
		}
	}
	return nil
}

// SweepOverdueInvoices materializes the derived OVERDUE state:
// any PENDING invoice whose due date has passed is flipped to OVERDUE.
func (m *Manager) SweepOverdueInvoices(ctx context.Context) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE invoices SET status = 'OVERDUE', updated_at = now()
		WHERE status = 'PENDING' AND due_date < now()
	`)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		m.logger.WithField("count", n).Info("marked invoices overdue")
	}
	return nil
}

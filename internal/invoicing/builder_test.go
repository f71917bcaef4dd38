package invoicing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"usagemeter/internal/models"
	"usagemeter/internal/platform/logging"
)

func TestRateTiers_SplitAcrossTwoTiers(t *testing.T) {
	tiers := []models.PricingTier{
		{TierLevel: 1, MinQuantity: decimal.Zero, MaxQuantity: decPtr(decimal.NewFromInt(1000)), UnitPrice: decimal.RequireFromString("0.10")},
		{TierLevel: 2, MinQuantity: decimal.NewFromInt(1000), MaxQuantity: nil, UnitPrice: decimal.RequireFromString("0.05")},
	}

	li := rateTiers("api_request", decimal.NewFromInt(1500), tiers)

	if li.TotalPriceCents != 12500 {
		t.Fatalf("expected total 12500 cents ($125.00), got %d", li.TotalPriceCents)
	}
	if len(li.TierBreakdown) != 2 {
		t.Fatalf("expected 2 breakdown entries, got %d", len(li.TierBreakdown))
	}
	if li.TierBreakdown[0].Consumed != "1000" || li.TierBreakdown[1].Consumed != "500" {
		t.Fatalf("unexpected breakdown consumption: %+v", li.TierBreakdown)
	}
}

func TestRateTiers_NoTierMatchFallsBackToFirstUnitPrice(t *testing.T) {
	tiers := []models.PricingTier{
		{TierLevel: 1, MinQuantity: decimal.NewFromInt(100), MaxQuantity: nil, UnitPrice: decimal.RequireFromString("1.00")},
	}

	li := rateTiers("storage", decimal.NewFromInt(50), tiers)
	if li.TotalPriceCents != 5000 {
		t.Fatalf("expected fallback billing of 50 units at $1.00, got %d cents", li.TotalPriceCents)
	}
	if len(li.TierBreakdown) != 1 {
		t.Fatalf("expected single fallback breakdown entry, got %d", len(li.TierBreakdown))
	}
}

func TestBuildInvoice_TieredInvoiceMatchesScenario4(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	periodStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COUNT\\(DISTINCT date\\) FROM usage_snapshots").
		WithArgs("t1", periodStart, periodEnd).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(31))

	mock.ExpectQuery("SELECT event_type, SUM\\(quantity\\) FROM usage_snapshots").
		WithArgs("t1", periodStart, periodEnd).
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "sum"}).AddRow("api_request", "1500"))

	mock.ExpectQuery("SELECT id, organization_id, event_type, tier_level").
		WithArgs("org-1", "api_request", periodStart, periodEnd).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "organization_id", "event_type", "tier_level", "min_quantity", "max_quantity",
			"unit_price", "effective_from", "effective_to", "created_at",
		}).
			AddRow("tier-1", "org-1", "api_request", 1, "0", "1000", "0.10", periodStart.AddDate(-1, 0, 0), nil, time.Now()).
			AddRow("tier-2", "org-1", "api_request", 2, "1000", nil, "0.05", periodStart.AddDate(-1, 0, 0), nil, time.Now()))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM invoices").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO invoices").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO invoice_line_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE usage_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b := New(db, logging.NewLogger(), decimal.Zero, 0)

	invoice, err := b.BuildInvoice(context.Background(), "t1", "org-1", "ACME", periodStart, periodEnd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if invoice.SubtotalCents != 12500 {
		t.Fatalf("expected subtotal 12500, got %d", invoice.SubtotalCents)
	}
	if invoice.TaxCents != 1250 {
		t.Fatalf("expected tax 1250 (10%%), got %d", invoice.TaxCents)
	}
	if invoice.TotalCents != 13750 {
		t.Fatalf("expected total 13750, got %d", invoice.TotalCents)
	}
	if invoice.InvoiceNumber != "INV-ACME-000001" {
		t.Fatalf("unexpected invoice number: %s", invoice.InvoiceNumber)
	}
	if !invoice.DueDate.Equal(periodEnd.Add(DefaultDueWindow)) {
		t.Fatalf("expected due date = periodEnd + 30 days, got %s", invoice.DueDate)
	}
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }

package httpapi

import (
	"testing"

	"github.com/shopspring/decimal"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestDecodeIngestBody_SingleEvent(t *testing.T) {
	reqs, batch, err := decodeIngestBody([]byte(`{"tenant_id":"t1","event_type":"api_request","quantity":2.5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch {
		t.Fatal("expected single-event shape")
	}
	if len(reqs) != 1 || reqs[0].TenantID != "t1" || reqs[0].EventType != "api_request" {
		t.Fatalf("unexpected decoded request: %+v", reqs)
	}
	if reqs[0].Quantity == nil || !reqs[0].Quantity.Equal(decimalFromString(t, "2.5")) {
		t.Fatalf("expected quantity 2.5, got %v", reqs[0].Quantity)
	}
}

func TestDecodeIngestBody_SingleEventLeavesOmittedQuantityNil(t *testing.T) {
	reqs, _, err := decodeIngestBody([]byte(`{"tenant_id":"t1","event_type":"api_request"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reqs[0].Quantity != nil {
		t.Fatalf("expected omitted quantity to stay nil for the handler default, got %v", reqs[0].Quantity)
	}
}

func TestDecodeIngestBody_Batch(t *testing.T) {
	reqs, batch, err := decodeIngestBody([]byte(`{"events":[{"tenant_id":"t1","event_type":"a","quantity":1},{"tenant_id":"t2","event_type":"b","quantity":2}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !batch {
		t.Fatal("expected batch shape")
	}
	if len(reqs) != 2 || reqs[1].TenantID != "t2" {
		t.Fatalf("unexpected decoded batch: %+v", reqs)
	}
}

func TestDecodeIngestBody_MissingRequiredFields(t *testing.T) {
	if _, _, err := decodeIngestBody([]byte(`{"quantity":1}`)); err == nil {
		t.Fatal("expected error for missing tenant_id/event_type")
	}
}

func TestDecodeIngestBody_Malformed(t *testing.T) {
	if _, _, err := decodeIngestBody([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

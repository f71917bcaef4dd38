package models

import (
	"database/sql/driver"
	"encoding/json"
)

// JSONB holds an opaque key-value blob attached to a usage event, stored as
// a jsonb column. It round-trips through database/sql via Value/Scan.
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// TierBreakdown is the per-tier consumption record attached to an invoice
// line item, stored as a jsonb array.
type TierBreakdown []TierBreakdownEntry

// TierBreakdownEntry records how much quantity was billed at one pricing
// tier. Consumed, UnitPrice, and Subtotal are decimal.Decimal.String()
// values (major currency units for price/subtotal) so that sub-cent unit
// prices are preserved; only settled amounts (line-item total, invoice
// subtotal/tax/total) round to integer cents.
type TierBreakdownEntry struct {
	TierLevel int    `json:"tier_level"`
	Consumed  string `json:"consumed"`
	UnitPrice string `json:"unit_price"`
	Subtotal  string `json:"subtotal"`
}

// Value implements driver.Valuer.
func (t TierBreakdown) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

// Scan implements sql.Scanner.
func (t *TierBreakdown) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, t)
}

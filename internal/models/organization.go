package models

import "time"

// Organization is the service's own customer: a SaaS company metering its
// end users' usage through this system.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RateLimitPolicy is the per-organization (optionally per-key) admission
// policy consulted by the Admission Controller. A nil pointer field means
// that granularity is not enforced.
type RateLimitPolicy struct {
	ID               string `json:"id" db:"id"`
	OrganizationID   string `json:"organization_id" db:"organization_id"`
	APIKeyID         *string `json:"api_key_id,omitempty" db:"api_key_id"`
	RequestsPerSecond *int   `json:"requests_per_second,omitempty" db:"requests_per_second"`
	RequestsPerMinute *int   `json:"requests_per_minute,omitempty" db:"requests_per_minute"`
	RequestsPerHour   *int   `json:"requests_per_hour,omitempty" db:"requests_per_hour"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

package models

import "time"

// TenantStatus is the tenant lifecycle state: ACTIVE ⇄ SUSPENDED,
// either transitions to DELETED, which is terminal and soft (the row is
// retained for audit).
type TenantStatus string

const (
	TenantActive    TenantStatus = "ACTIVE"
	TenantSuspended TenantStatus = "SUSPENDED"
	TenantDeleted   TenantStatus = "DELETED"
)

// Tenant is the organization's own customer — the end-user of its SaaS
// whose usage is being metered. Identified by a caller-supplied external id,
// unique within the owning organization. Created lazily on first event and
// never hard-deleted.
type Tenant struct {
	ID             string       `json:"id" db:"id"`
	OrganizationID string       `json:"organization_id" db:"organization_id"`
	ExternalID     string       `json:"external_id" db:"external_id"`
	Name           string       `json:"name" db:"name"`
	Status         TenantStatus `json:"status" db:"status"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

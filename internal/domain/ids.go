package domain

import "github.com/google/uuid"

// TenantID is the opaque tenant identifier every entity carries. The core
// treats it as an uninterpreted string; row-scoping and cross-tenant
// isolation are the caller's responsibility.
type TenantID string

// NewID mints a UUIDv7 identity: time-ordered, so primary-key and index
// locality stay good under high insert rates.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global random source errors; fall
		// back to a random v4 rather than panicking across a boundary that
		// must not panic.
		return uuid.New().String()
	}
	return id.String()
}

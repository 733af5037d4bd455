package models

import (
	"time"
)

// Tenant owns funnels and workflows. API callers are mapped to a tenant by
// the domain of their verified email address.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

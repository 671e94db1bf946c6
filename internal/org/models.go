package org

import "time"

// Type classifies an organization by industry. The set is closed;
// creation rejects anything else.
type Type string

const (
	TypeFinancial     Type = "financial"
	TypeHealthcare    Type = "healthcare"
	TypeManufacturing Type = "manufacturing"
	TypeEcommerce     Type = "ecommerce"
	TypeEducation     Type = "education"
	TypeGovernment    Type = "government"
)

// Valid reports whether t is one of the defined organization types.
func (t Type) Valid() bool {
	switch t {
	case TypeFinancial, TypeHealthcare, TypeManufacturing, TypeEcommerce, TypeEducation, TypeGovernment:
		return true
	}
	return false
}

// Organization is a tenant whose dashboards users can be assigned to.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        Type      `json:"type"`
	Status      string    `json:"status"` // "active" or "suspended"
	Plan        string    `json:"plan"`   // "trial", "standard", "enterprise"
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Membership links a user to an organization. IsDefault marks the
// user's home organization; at most one membership per user carries it.
type Membership struct {
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	OrgRole   string    `json:"org_role"` // "owner" or "member", within the organization
	IsDefault bool      `json:"is_default"`
	JoinedAt  time.Time `json:"joined_at"`
}

// CreateOrgInput holds the fields required to create an organization.
type CreateOrgInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        Type   `json:"type"`
	Plan        string `json:"plan"`
}

// UpdateOrgInput holds optional fields for a partial organization update.
type UpdateOrgInput struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Type        *Type   `json:"type,omitempty"`
	Status      *string `json:"status,omitempty"`
	Plan        *string `json:"plan,omitempty"`
}

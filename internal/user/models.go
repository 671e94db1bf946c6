package user

import (
	"time"

	"github.com/finmark/finmark/internal/rbac"
)

// User is FinMark's own record about a person, linked to exactly one
// auth-provider principal by PrincipalID.
type User struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Position    string    `json:"position"`
	Role        rbac.Role `json:"role"`
	Onboarded   bool      `json:"onboarded"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateUserInput holds the fields required to create a new user.
type CreateUserInput struct {
	PrincipalID string
	Email       string
	Name        string
	Position    string
	Role        rbac.Role
	Onboarded   bool
}

// UpdateUserInput holds optional fields for a partial user update.
type UpdateUserInput struct {
	PrincipalID *string
	Name        *string
	Position    *string
	Role        *rbac.Role
	Onboarded   *bool
}

package auth

import "time"

type Role string

const (
	RoleAgent         Role = "agent"
	RoleOfficeManager Role = "office_manager"
)

// Operator is the domain representation of an authenticated office user.
// It mirrors the operators table and should not include JSON annotations so
// it can be reused by different presentation layers.
type Operator struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	AgencyID     *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains operator registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

package models

import "time"

// User is the subset of the account record the identity flows read and write.
type User struct {
	UserID        string     `json:"id" db:"user_id"`
	Email         string     `json:"email" db:"email"`
	Name          string     `json:"name" db:"name"`
	CompanyName   string     `json:"company_name" db:"company_name"`
	PlanID        string     `json:"plan_id" db:"plan_id"`
	Role          string     `json:"role" db:"role"`
	PasswordHash  string     `json:"-" db:"password_hash"`
	EmailVerified bool       `json:"email_verified" db:"email_verified"`
	IsActive      bool       `json:"is_active" db:"is_active"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	LastLogin     *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Default role for accounts created by self-service registration.
const RoleOwner = "owner"

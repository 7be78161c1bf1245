// ABOUTME: Admin session model and role normalization
// ABOUTME: Session is persisted under school:session by the session guard
package models

import (
	"errors"
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// NormalizeRole strips the ROLE_ prefix the backend sometimes sends.
func NormalizeRole(s string) Role {
	r := strings.ToUpper(strings.TrimSpace(s))
	return Role(strings.TrimPrefix(r, "ROLE_"))
}

// IsAdmin reports whether the role may mutate content.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// SessionKey is where the credential is persisted.
const SessionKey = KeyPrefix + "session"

// MarkerKey holds the last-update marker shared between pages.
const MarkerKey = KeyPrefix + "lastUpdate"

type Session struct {
	Token    string `json:"token"`
	Role     Role   `json:"role"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	// ValidatedAt is the last successful server validation.
	ValidatedAt time.Time `json:"validatedAt"`
	// ExpiresAtKnownGood is the token expiry when the token carries one.
	ExpiresAtKnownGood time.Time `json:"expiresAtKnownGood"`
}

// AdminAccount is one entry of the admin list a super admin manages.
type AdminAccount struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt Timestamp `json:"createdAt"`
}

// NewAdmin is the request body for creating an admin. New admins always get
// the ADMIN role.
type NewAdmin struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks the fields the backend requires.
func (n NewAdmin) Validate() error {
	switch {
	case strings.TrimSpace(n.Username) == "":
		return errors.New("username is required")
	case strings.TrimSpace(n.Email) == "":
		return errors.New("email is required")
	case strings.TrimSpace(n.Password) == "":
		return errors.New("password is required")
	}
	return nil
}

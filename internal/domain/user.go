package domain

import "time"

// Role marks the privilege level of a user.
type Role int

const (
	RoleStandard Role = 0
	RoleAdmin    Role = 1
)

func (r Role) Valid() bool {
	return r == RoleStandard || r == RoleAdmin
}

func (r Role) String() string {
	switch r {
	case RoleStandard:
		return "standard"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole accepts the names returned by String.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "standard":
		return RoleStandard, true
	case "admin":
		return RoleAdmin, true
	default:
		return 0, false
	}
}

// User represents a registered identity of the catalog tool.
type User struct {
	ID           int64
	Email        string
	Username     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

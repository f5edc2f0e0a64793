package auth

import "time"

type Role string

const (
	// RoleDonor covers community members posting surplus goods.
	RoleDonor Role = "donor"
	// RoleCollectingOrg is the verified recipient role; the only role
	// permitted to claim listings.
	RoleCollectingOrg Role = "collecting_org"
	RoleAdmin         Role = "admin"
)

// User is the domain representation of an authenticated account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Address      *string
	Organization *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor identifies who is performing an operation. It is passed explicitly
// into domain calls rather than read from ambient state.
type Actor struct {
	ID   string
	Role Role
}

// Actor derives the acting identity from a user record.
func (u User) Actor() Actor {
	return Actor{ID: u.ID, Role: u.Role}
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	FullName     string `json:"full_name"`
	Role         Role   `json:"role"`
	Organization string `json:"organization"`
	Address      string `json:"address"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

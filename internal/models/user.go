package models

import (
	"time"
)

// Role represents a user's role in a polling session.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// User is the identity a context logs in as. Email is the natural key.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Password  string    `json:"passwordHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserPublic is User without the password hash, for API responses.
type UserPublic struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
		Role:  u.Role,
	}
}

// StudentRecord is the persisted registry entry of a student who ever joined.
// It survives disconnection; only an explicit remove deletes it.
type StudentRecord struct {
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	JoinedAt time.Time `json:"joinedAt"`
}

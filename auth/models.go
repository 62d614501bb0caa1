package auth

import "time"

type Role string

const (
	RoleUser     Role = "user"
	RoleWorker   Role = "worker"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// User is the domain representation of an account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           int64
	Name         string
	Organization string
	Email        string
	Phone        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Claims is the identity extracted from a verified token.
type Claims struct {
	UserID int64
	Role   Role
	Phone  string
}

// Credentials are generated for clients whose account is created implicitly
// by a public submission. Password is plain text and only ever handed to the
// notifier.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// ClientParams identifies the submitter of a public application.
type ClientParams struct {
	Name  string
	Phone string
	Email string
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Password     string `json:"password"`
	Role         Role   `json:"role"`
}

// LoginRequest accepts either an email or a phone as Login.
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

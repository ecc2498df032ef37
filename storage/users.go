package storage

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned by UserStore lookups for unknown users
var ErrUserNotFound = errors.New("user not found")

// User is the subset of an account the identity provider needs
type User struct {
	ID       string
	TenantID string
	Email    string
	Disabled bool
}

// UserStore is the account and credential store owned by the surrounding
// platform. Password hashing is its concern.
type UserStore interface {
	FindByID(ctx context.Context, tenantID, userID string) (*User, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*User, error)
	VerifyPassword(ctx context.Context, tenantID, userID, password string) (bool, error)
}

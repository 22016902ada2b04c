package model

import (
	"fmt"
	"strings"
)

// Role represents the role of an account in the automation.
type Role string

const (
	// RolePrimary indicates the account OAuth credentials are generated for.
	RolePrimary Role = "primary"
	// RoleApprover indicates an account whose inbox resolves verification
	// challenges raised against primary accounts.
	RoleApprover Role = "approver"
)

// Account represents a single account identity. Immutable once loaded.
type Account struct {
	Email  string
	Secret string
	Role   Role
}

// Validate validates the account identity.
func (a *Account) Validate() error {
	if a.Email == "" {
		return fmt.Errorf("email is required: %w", ErrNotValid)
	}
	if !strings.Contains(a.Email, "@") {
		return fmt.Errorf("email %q is malformed: %w", a.Email, ErrNotValid)
	}
	if a.Secret == "" {
		return fmt.Errorf("secret is required for %s: %w", a.Email, ErrNotValid)
	}
	switch a.Role {
	case RolePrimary, RoleApprover:
	default:
		return fmt.Errorf("unknown role %q for %s: %w", a.Role, a.Email, ErrNotValid)
	}
	return nil
}

// String implements fmt.Stringer redacting the secret so accounts can be
// logged or formatted safely.
func (a Account) String() string {
	return fmt.Sprintf("%s (%s)", a.Email, a.Role)
}

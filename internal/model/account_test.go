package model_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/credforge/internal/model"
)

func TestAccountValidate(t *testing.T) {
	tests := map[string]struct {
		account model.Account
		expErr  bool
	}{
		"A primary account with email and secret should be valid": {
			account: model.Account{Email: "user@example.com", Secret: "pass", Role: model.RolePrimary},
		},
		"An approver account with email and secret should be valid": {
			account: model.Account{Email: "approver@example.com", Secret: "pass", Role: model.RoleApprover},
		},
		"An account without email should be invalid": {
			account: model.Account{Secret: "pass", Role: model.RolePrimary},
			expErr:  true,
		},
		"An account with a malformed email should be invalid": {
			account: model.Account{Email: "not-an-email", Secret: "pass", Role: model.RolePrimary},
			expErr:  true,
		},
		"An account without secret should be invalid": {
			account: model.Account{Email: "user@example.com", Role: model.RolePrimary},
			expErr:  true,
		},
		"An account with an unknown role should be invalid": {
			account: model.Account{Email: "user@example.com", Secret: "pass", Role: "admin"},
			expErr:  true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.account.Validate()

			if tc.expErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, model.ErrNotValid)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAccountStringRedactsSecret(t *testing.T) {
	account := model.Account{Email: "user@example.com", Secret: "super-secret", Role: model.RolePrimary}

	s := fmt.Sprintf("account: %s", account)

	assert.Contains(t, s, "user@example.com")
	assert.NotContains(t, s, "super-secret")
}

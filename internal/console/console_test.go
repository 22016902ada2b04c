package console_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/credforge/internal/browser/fake"
	"github.com/slok/credforge/internal/console"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/step"
)

func TestGenerateProjectName(t *testing.T) {
	tests := map[string]struct {
		email    string
		expRegex string
	}{
		"A plain local part should be kept": {
			email:    "alice@example.com",
			expRegex: `^alice-oauth-\d{5}$`,
		},
		"Unsupported characters should become dashes": {
			email:    "Alice.Smith+test@example.com",
			expRegex: `^alice-smith-test-oauth-\d{5}$`,
		},
		"A long local part should be truncated": {
			email:    "averyveryverylongaccountlocalpart@example.com",
			expRegex: `^averyveryverylongacc-oauth-\d{5}$`,
		},
		"Leading and trailing dashes should be trimmed": {
			email:    "..alice..@example.com",
			expRegex: `^alice-oauth-\d{5}$`,
		},
		"An empty local part should fall back to a generic name": {
			email:    "@example.com",
			expRegex: `^oauth-oauth-\d{5}$`,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := console.GenerateProjectName(tc.email)
			assert.Regexp(t, regexp.MustCompile(tc.expRegex), got)
		})
	}
}

func TestVerificationSearchQuery(t *testing.T) {
	assert.Equal(t, "verification alice@example.com", console.VerificationSearchQuery("alice@example.com"))
}

func TestLoggedIn(t *testing.T) {
	tests := map[string]struct {
		url       string
		expLogged bool
	}{
		"The console should count as signed in": {
			url:       console.ConsoleURL,
			expLogged: true,
		},
		"The inbox should count as signed in": {
			url:       console.InboxURL,
			expLogged: true,
		},
		"The sign in page should not count as signed in": {
			url:       console.SignInURL,
			expLogged: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			world := fake.ConsoleWorld("test-app")
			launcher, err := fake.NewLauncher(fake.LauncherConfig{World: world})
			require.NoError(t, err)
			sess, err := launcher.NewSession(context.Background())
			require.NoError(t, err)

			require.NoError(t, sess.Navigate(context.Background(), tc.url))

			logged, err := console.LoggedIn(context.Background(), sess)
			require.NoError(t, err)
			assert.Equal(t, tc.expLogged, logged)
		})
	}
}

func TestLoginSteps(t *testing.T) {
	world := fake.ConsoleWorld("test-app")
	launcher, err := fake.NewLauncher(fake.LauncherConfig{World: world})
	require.NoError(t, err)
	sess, err := launcher.NewSession(context.Background())
	require.NoError(t, err)

	executor, err := step.NewExecutor(step.ExecutorConfig{
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		DefaultTimeout:     time.Second,
		DefaultMaxAttempts: 1,
	})
	require.NoError(t, err)

	account := model.Account{Email: "alice@example.com", Secret: "hunter2", Role: model.RolePrimary}
	for _, s := range console.LoginSteps(account) {
		outcome := executor.Execute(context.Background(), sess, s)
		require.Equal(t, step.StatusSucceeded, outcome.Status, outcome.Detail)
	}

	logged, err := console.LoggedIn(context.Background(), sess)
	require.NoError(t, err)
	assert.True(t, logged)

	// The credentials were typed in order on the right pages.
	typed := world.TypedValues()
	require.Len(t, typed, 2)
	assert.Equal(t, "alice@example.com", typed[0].Value)
	assert.Equal(t, "hunter2", typed[1].Value)
}

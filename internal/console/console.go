// Package console holds the step catalog for the cloud console and webmail
// flows: reusable, stateless step descriptors over the opaque browser
// session. Selectors and URLs live here so the orchestration packages stay
// free of page details.
package console

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/step"
)

// Well known entry point URLs.
const (
	SignInURL      = "https://accounts.google.com/signin"
	ConsoleURL     = "https://console.cloud.google.com"
	NewProjectURL  = "https://console.cloud.google.com/projectcreate"
	GmailAPIURL    = "https://console.cloud.google.com/apis/library/gmail.googleapis.com"
	ConsentURL     = "https://console.cloud.google.com/apis/credentials/consent"
	CredentialsURL = "https://console.cloud.google.com/apis/credentials"
	InboxURL       = "https://mail.google.com"
)

// Page element targets.
var (
	emailInput    = browser.Target{Selector: `input[type="email"]`}
	emailNext     = browser.Target{Selector: `#identifierNext`}
	passwordInput = browser.Target{Selector: `input[type="password"]`}
	passwordNext  = browser.Target{Selector: `#passwordNext`}
	codeInput     = browser.Target{Selector: `input[name="code"]`}
	codeNext      = browser.Target{Text: "Verify"}

	projectNameInput = browser.Target{Selector: `input[id="p6ntest-name-input"]`}
	projectCreate    = browser.Target{Text: "Create"}

	searchMailInput = browser.Target{Selector: `input[aria-label="Search mail"]`}
)

// URL fragments that indicate a signed in account.
var loggedInURLFragments = []string{
	"myaccount.google.com",
	"console.cloud.google.com",
	"mail.google.com",
}

const elementWait = 10 * time.Second

// LoginSteps returns the account sign in step sequence: enter the email,
// then the password. The password step only succeeds once the session lands
// on a signed in surface.
func LoginSteps(account model.Account) []step.Descriptor {
	return []step.Descriptor{
		{
			Name: "login-email",
			Action: func(ctx context.Context, sess browser.Session) error {
				if err := sess.Navigate(ctx, SignInURL); err != nil {
					return fmt.Errorf("could not open sign in page: %w", err)
				}
				if err := sess.WaitFor(ctx, browser.Condition{Present: &emailInput}, elementWait); err != nil {
					return fmt.Errorf("email input not present: %w", err)
				}
				if err := sess.Type(ctx, emailInput, account.Email); err != nil {
					return err
				}
				return sess.Click(ctx, emailNext)
			},
			Success: elementPresent(passwordInput),
		},
		{
			Name: "login-password",
			Action: func(ctx context.Context, sess browser.Session) error {
				if err := sess.WaitFor(ctx, browser.Condition{Present: &passwordInput}, elementWait); err != nil {
					return fmt.Errorf("password input not present: %w", err)
				}
				if err := sess.Type(ctx, passwordInput, account.Secret); err != nil {
					return err
				}
				return sess.Click(ctx, passwordNext)
			},
			Success: LoggedIn,
		},
	}
}

// LoggedIn reports whether the session is on a signed in surface.
func LoggedIn(ctx context.Context, sess browser.Session) (bool, error) {
	current, err := sess.CurrentURL(ctx)
	if err != nil {
		return false, err
	}
	for _, fragment := range loggedInURLFragments {
		if strings.Contains(current, fragment) {
			return true, nil
		}
	}
	return false, nil
}

// EnterVerificationCodeStep returns the step that enters a verification code
// on the pending challenge surface of a session.
func EnterVerificationCodeStep(code string) step.Descriptor {
	return step.Descriptor{
		Name: "enter-verification-code",
		Action: func(ctx context.Context, sess browser.Session) error {
			if err := sess.WaitFor(ctx, browser.Condition{Present: &codeInput}, elementWait); err != nil {
				return fmt.Errorf("code input not present: %w", err)
			}
			if err := sess.Type(ctx, codeInput, code); err != nil {
				return err
			}
			return sess.Click(ctx, codeNext)
		},
		Success: LoggedIn,
	}
}

// CreateProjectStep returns the step that creates (or reuses) the console
// project the credentials will live in.
func CreateProjectStep(projectName string) step.Descriptor {
	return step.Descriptor{
		Name: "project-create",
		Action: func(ctx context.Context, sess browser.Session) error {
			if err := sess.Navigate(ctx, NewProjectURL); err != nil {
				return fmt.Errorf("could not open project create page: %w", err)
			}
			if err := sess.WaitFor(ctx, browser.Condition{Present: &projectNameInput}, elementWait); err != nil {
				return fmt.Errorf("project name input not present: %w", err)
			}
			if err := sess.Type(ctx, projectNameInput, projectName); err != nil {
				return err
			}
			return sess.Click(ctx, projectCreate)
		},
		Success: textPresent("Dashboard"),
	}
}

// EnableGmailAPIStep returns the step that enables the Gmail API on the
// selected project.
func EnableGmailAPIStep() step.Descriptor {
	enable := browser.Target{Text: "Enable"}
	return step.Descriptor{
		Name: "api-enable",
		Action: func(ctx context.Context, sess browser.Session) error {
			if err := sess.Navigate(ctx, GmailAPIURL); err != nil {
				return fmt.Errorf("could not open API library page: %w", err)
			}
			// Already enabled pages show "Manage" instead of "Enable".
			found, err := sess.Find(ctx, enable)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			return sess.Click(ctx, enable)
		},
		Success: func(ctx context.Context, sess browser.Session) (bool, error) {
			for _, marker := range []string{"API Enabled", "Manage"} {
				found, err := sess.Find(ctx, browser.Target{Text: marker})
				if err != nil {
					return false, err
				}
				if found {
					return true, nil
				}
			}
			return false, nil
		},
	}
}

// ConfigureConsentStep returns the step that configures the OAuth consent
// screen with the app name and support email.
func ConfigureConsentStep(appName, supportEmail string) step.Descriptor {
	appNameInput := browser.Target{Selector: `input[formcontrolname="displayName"]`}
	supportEmailInput := browser.Target{Selector: `input[formcontrolname="supportEmail"]`}
	save := browser.Target{Text: "Save and Continue"}

	return step.Descriptor{
		Name: "oauth-consent-config",
		Action: func(ctx context.Context, sess browser.Session) error {
			if err := sess.Navigate(ctx, ConsentURL); err != nil {
				return fmt.Errorf("could not open consent page: %w", err)
			}
			if err := sess.WaitFor(ctx, browser.Condition{Present: &appNameInput}, elementWait); err != nil {
				return fmt.Errorf("consent form not present: %w", err)
			}
			if err := sess.Type(ctx, appNameInput, appName); err != nil {
				return err
			}
			if err := sess.Type(ctx, supportEmailInput, supportEmail); err != nil {
				return err
			}
			return sess.Click(ctx, save)
		},
		Success: textPresent(appName),
	}
}

// CreateOAuthClientStep returns the step that creates the OAuth client ID.
func CreateOAuthClientStep(clientName string) step.Descriptor {
	createCredentials := browser.Target{Text: "Create Credentials"}
	oauthClientID := browser.Target{Text: "OAuth client ID"}
	desktopApp := browser.Target{Text: "Desktop app"}
	clientNameInput := browser.Target{Selector: `input[formcontrolname="displayName"]`}
	create := browser.Target{Text: "Create"}

	return step.Descriptor{
		Name: "credential-create",
		Action: func(ctx context.Context, sess browser.Session) error {
			if err := sess.Navigate(ctx, CredentialsURL); err != nil {
				return fmt.Errorf("could not open credentials page: %w", err)
			}
			for _, target := range []browser.Target{createCredentials, oauthClientID, desktopApp} {
				if err := sess.Click(ctx, target); err != nil {
					return fmt.Errorf("could not click %s: %w", target, err)
				}
			}
			if err := sess.Type(ctx, clientNameInput, clientName); err != nil {
				return err
			}
			return sess.Click(ctx, create)
		},
		Success: textPresent("OAuth client created"),
	}
}

// DownloadCredentialStep returns the step that downloads the credential JSON
// and stores the downloaded path on dst.
func DownloadCredentialStep(dst *string) step.Descriptor {
	downloadJSON := browser.Target{Text: "Download JSON"}
	return step.Descriptor{
		Name: "download",
		Action: func(ctx context.Context, sess browser.Session) error {
			if err := sess.Click(ctx, downloadJSON); err != nil {
				return fmt.Errorf("could not click download: %w", err)
			}
			path, err := sess.DownloadPendingFile(ctx)
			if err != nil {
				return fmt.Errorf("could not download credential file: %w", err)
			}
			*dst = path
			return nil
		},
		Success: func(ctx context.Context, sess browser.Session) (bool, error) {
			return *dst != "", nil
		},
	}
}

// SearchInboxStep returns the step that opens the inbox search results for a
// query. Used by the verification poll loop, one invocation per poll.
func SearchInboxStep(query string) step.Descriptor {
	return step.Descriptor{
		Name: "inbox-search",
		Action: func(ctx context.Context, sess browser.Session) error {
			searchURL := InboxURL + "/mail/u/0/#search/" + url.QueryEscape(query)
			if err := sess.Navigate(ctx, searchURL); err != nil {
				return fmt.Errorf("could not open inbox search: %w", err)
			}
			return sess.WaitFor(ctx, browser.Condition{Present: &searchMailInput}, elementWait)
		},
	}
}

// OpenMessageStep returns the step that opens a message from the list by its
// visible subject text.
func OpenMessageStep(subjectText string) step.Descriptor {
	return step.Descriptor{
		Name: "inbox-open-message",
		Action: func(ctx context.Context, sess browser.Session) error {
			return sess.Click(ctx, browser.Target{Text: subjectText})
		},
	}
}

// VerificationSearchQuery builds the inbox search query used to find
// verification messages for a primary account.
func VerificationSearchQuery(primaryEmail string) string {
	return fmt.Sprintf("verification %s", primaryEmail)
}

// GenerateProjectName derives a console project name from the account email
// local part plus a random suffix, within console naming constraints.
func GenerateProjectName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.ToLower(local)
	local = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, local)
	if len(local) > 20 {
		local = local[:20]
	}
	local = strings.Trim(local, "-")
	if local == "" {
		local = "oauth"
	}

	n, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		n = big.NewInt(time.Now().UnixNano() % 100000)
	}

	return fmt.Sprintf("%s-oauth-%05d", local, n)
}

func elementPresent(target browser.Target) step.Predicate {
	return func(ctx context.Context, sess browser.Session) (bool, error) {
		err := sess.WaitFor(ctx, browser.Condition{Present: &target}, elementWait)
		if err != nil {
			return false, nil
		}
		return true, nil
	}
}

func textPresent(text string) step.Predicate {
	return func(ctx context.Context, sess browser.Session) (bool, error) {
		err := sess.WaitFor(ctx, browser.Condition{TextContains: text}, elementWait)
		if err != nil {
			return false, nil
		}
		return true, nil
	}
}

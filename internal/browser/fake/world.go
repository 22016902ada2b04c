package fake

import (
	"github.com/slok/credforge/internal/console"
)

// Well known URLs of the scripted console world, exported so tests can
// mutate the relevant pages.
const (
	PasswordPageURL  = console.SignInURL + "/v2/challenge/pwd"
	DashboardURL     = console.ConsoleURL + "/home/dashboard"
	APIEnabledURL    = console.GmailAPIURL + "?enabled"
	ConsentDoneURL   = console.ConsentURL + "/done"
	ClientCreatedURL = console.CredentialsURL + "/created"

	// CredentialDownloadPath is where the scripted world "downloads" the
	// credential file.
	CredentialDownloadPath = "/tmp/downloads/client_secret.json"
)

// ConsoleWorld builds a world scripting the happy path of the whole
// provisioning flow: sign in, project creation, API enablement, consent
// configuration, client creation and credential download. Tests derive
// challenge and failure scenarios by replacing individual pages.
func ConsoleWorld(appName string) *World {
	return NewWorld(
		Page{
			URL: console.SignInURL,
			Elements: []Element{
				{Selector: `input[type="email"]`},
				{Selector: `#identifierNext`, ClickURL: PasswordPageURL},
			},
		},
		Page{
			URL: PasswordPageURL,
			Elements: []Element{
				{Selector: `input[type="password"]`},
				{Selector: `#passwordNext`, ClickURL: console.ConsoleURL},
			},
		},
		Page{
			URL:  console.ConsoleURL,
			Text: "Welcome to the console",
		},
		Page{
			URL: console.NewProjectURL,
			Elements: []Element{
				{Selector: `input[id="p6ntest-name-input"]`},
				{Text: "Create", ClickURL: DashboardURL},
			},
		},
		Page{
			URL:  DashboardURL,
			Text: "Dashboard",
		},
		Page{
			URL: console.GmailAPIURL,
			Elements: []Element{
				{Text: "Enable", ClickURL: APIEnabledURL},
			},
		},
		Page{
			URL:  APIEnabledURL,
			Text: "API Enabled",
			Elements: []Element{
				{Text: "Manage"},
			},
		},
		Page{
			URL: console.ConsentURL,
			Elements: []Element{
				{Selector: `input[formcontrolname="displayName"]`},
				{Selector: `input[formcontrolname="supportEmail"]`},
				{Text: "Save and Continue", ClickURL: ConsentDoneURL},
			},
		},
		Page{
			URL:  ConsentDoneURL,
			Text: appName,
		},
		Page{
			URL: console.CredentialsURL,
			Elements: []Element{
				{Text: "Create Credentials"},
				{Text: "OAuth client ID"},
				{Text: "Desktop app"},
				{Selector: `input[formcontrolname="displayName"]`},
				{Text: "Create", ClickURL: ClientCreatedURL},
			},
		},
		Page{
			URL:  ClientCreatedURL,
			Text: "OAuth client created",
			Elements: []Element{
				{Text: "Download JSON"},
			},
			Download: CredentialDownloadPath,
		},
		Page{
			URL:  console.InboxURL,
			Text: "Inbox",
			Elements: []Element{
				{Selector: `input[aria-label="Search mail"]`},
			},
		},
	)
}

package printer_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/printer"
)

func reportFixture() model.RunReport {
	startedAt := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	return model.RunReport{
		ID:         "01234567890ABCDEFGHIJKLMNOP",
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(5 * time.Minute),
		Entries: []model.RunReportEntry{
			{
				RunID:          "01234567890ABCDEFGHIJKLMNOP",
				AccountEmail:   "alice@example.com",
				Status:         model.AccountStatusSuccess,
				CredentialPath: "/tmp/downloads/client_secret.json",
				StartedAt:      startedAt,
				FinishedAt:     startedAt.Add(2 * time.Minute),
			},
			{
				RunID:        "01234567890ABCDEFGHIJKLMNOP",
				AccountEmail: "bob@example.com",
				Status:       model.AccountStatusFailed,
				Reason:       model.FailureReasonFatalBlock,
				ErrorDetail:  "account disabled interstitial",
				StartedAt:    startedAt,
				FinishedAt:   startedAt.Add(1 * time.Minute),
			},
		},
	}
}

func TestTablePrinterPrintRunReport(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintRunReport(reportFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Run:        01234567890ABCDEFGHIJKLMNOP")
	assert.Contains(t, out, "2 total, 1 succeeded, 1 failed")
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, "/tmp/downloads/client_secret.json")
	assert.Contains(t, out, string(model.FailureReasonFatalBlock))
}

func TestJSONPrinterPrintRunReport(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	err := p.PrintRunReport(reportFixture())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"id": "01234567890ABCDEFGHIJKLMNOP"`)
	assert.Contains(t, out, `"succeeded": 1`)
	assert.Contains(t, out, `"account": "bob@example.com"`)
	assert.Contains(t, out, `"reason": "fatal-block"`)
}

func TestTablePrinterPrintVerificationList(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintVerificationList([]model.VerificationRecord{
		{
			ID:            "01BX5ZZKBKACTAV9WEVGEMMVS0",
			PrimaryEmail:  "alice@example.com",
			ApproverEmail: "approver@example.com",
			ChallengeKind: model.ChallengeKindEmailVerification,
			Status:        model.VerificationStatusCompleted,
			StartedAt:     time.Now().Add(-time.Minute),
		},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "alice@example.com")
	assert.Contains(t, out, "approver@example.com")
	assert.Contains(t, out, string(model.VerificationStatusCompleted))
}

func TestTablePrinterPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintMessage("ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(buf.String()))
}

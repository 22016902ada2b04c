package printer

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/slok/credforge/internal/model"
)

// durationRounding keeps entry durations readable in tables.
const durationRounding = time.Second

// TablePrinter prints run information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintRunReport prints a run summary followed by one row per account.
func (t *TablePrinter) PrintRunReport(report model.RunReport) error {
	counts := report.Counts()

	fmt.Fprintf(t.writer, "Run:        %s\n", report.ID)
	fmt.Fprintf(t.writer, "Started:    %s\n", FormatTimestamp(report.StartedAt))
	if !report.FinishedAt.IsZero() {
		fmt.Fprintf(t.writer, "Finished:   %s\n", FormatTimestamp(report.FinishedAt))
	}
	fmt.Fprintf(t.writer, "Accounts:   %d total, %d succeeded, %d failed\n\n", counts.Total, counts.Succeeded, counts.Failed)

	if len(report.Entries) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "ACCOUNT\tSTATUS\tREASON\tDURATION\tCREDENTIAL")

	// Print rows
	for _, e := range report.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.AccountEmail, e.Status, e.Reason, e.Duration().Round(durationRounding), e.CredentialPath)
	}

	return nil
}

// PrintRunList prints past runs in a table format.
func (t *TablePrinter) PrintRunList(reports []model.RunReport) error {
	if len(reports) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "ID\tACCOUNTS\tSUCCEEDED\tFAILED\tSTARTED")

	// Print rows
	for _, r := range reports {
		counts := r.Counts()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.ID, counts.Total, counts.Succeeded, counts.Failed, TimeAgo(r.StartedAt))
	}

	return nil
}

// PrintVerificationList prints verification delegations in a table format.
func (t *TablePrinter) PrintVerificationList(records []model.VerificationRecord) error {
	if len(records) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	// Print header
	fmt.Fprintln(tw, "ID\tACCOUNT\tAPPROVER\tKIND\tSTATUS\tSTARTED")

	// Print rows
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.PrimaryEmail, r.ApproverEmail, r.ChallengeKind, r.Status, TimeAgo(r.StartedAt))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

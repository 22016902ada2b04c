package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/credforge/internal/model"
)

// JSONPrinter prints run information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// runOutput represents the full run report output.
type runOutput struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Entries    []entryOutput `json:"entries,omitempty"`
}

// entryOutput represents one account's outcome in a run.
type entryOutput struct {
	Account        string    `json:"account"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	CredentialPath string    `json:"credential_path,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// verificationOutput represents a verification delegation record.
type verificationOutput struct {
	ID            string     `json:"id"`
	PrimaryEmail  string     `json:"primary_email"`
	ApproverEmail string     `json:"approver_email"`
	ChallengeKind string     `json:"challenge_kind"`
	Status        string     `json:"status"`
	Success       bool       `json:"success"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

func toRunOutput(report model.RunReport) runOutput {
	counts := report.Counts()
	out := runOutput{
		ID:        report.ID,
		StartedAt: report.StartedAt.UTC(),
		Total:     counts.Total,
		Succeeded: counts.Succeeded,
		Failed:    counts.Failed,
	}
	if !report.FinishedAt.IsZero() {
		utcTime := report.FinishedAt.UTC()
		out.FinishedAt = &utcTime
	}

	for _, e := range report.Entries {
		out.Entries = append(out.Entries, entryOutput{
			Account:        e.AccountEmail,
			Status:         string(e.Status),
			Reason:         string(e.Reason),
			ErrorDetail:    e.ErrorDetail,
			CredentialPath: e.CredentialPath,
			StartedAt:      e.StartedAt.UTC(),
			FinishedAt:     e.FinishedAt.UTC(),
		})
	}

	return out
}

// PrintRunReport prints a full run report in JSON format.
func (j *JSONPrinter) PrintRunReport(report model.RunReport) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(toRunOutput(report))
}

// PrintRunList prints past runs in JSON format, entries omitted.
func (j *JSONPrinter) PrintRunList(reports []model.RunReport) error {
	items := make([]runOutput, len(reports))
	for i, r := range reports {
		r.Entries = nil
		items[i] = toRunOutput(r)
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintVerificationList prints verification delegations in JSON format.
func (j *JSONPrinter) PrintVerificationList(records []model.VerificationRecord) error {
	items := make([]verificationOutput, len(records))
	for i, r := range records {
		items[i] = verificationOutput{
			ID:            r.ID,
			PrimaryEmail:  r.PrimaryEmail,
			ApproverEmail: r.ApproverEmail,
			ChallengeKind: string(r.ChallengeKind),
			Status:        string(r.Status),
			Success:       r.Success,
			ErrorDetail:   r.ErrorDetail,
			StartedAt:     r.StartedAt.UTC(),
		}
		if r.CompletedAt != nil {
			utcTime := r.CompletedAt.UTC()
			items[i].CompletedAt = &utcTime
		}
	}

	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	output := messageOutput{Message: msg}
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

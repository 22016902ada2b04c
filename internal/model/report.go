package model

import "time"

// AccountStatus represents the terminal status of one account's workflow run.
type AccountStatus string

const (
	AccountStatusSuccess AccountStatus = "success"
	AccountStatusFailed  AccountStatus = "failed"
	AccountStatusSkipped AccountStatus = "skipped"
)

// FailureReason is a machine readable reason code for a terminal failure.
type FailureReason string

const (
	FailureReasonNone                 FailureReason = ""
	FailureReasonLoginFailed          FailureReason = "login-failed"
	FailureReasonChallengeUnresolved  FailureReason = "challenge-unresolved"
	FailureReasonVerificationNotFound FailureReason = "verification-not-found"
	FailureReasonApproverUnavailable  FailureReason = "approver-unavailable"
	FailureReasonFatalBlock           FailureReason = "fatal-block"
	FailureReasonStepExhausted        FailureReason = "step-retries-exhausted"
	FailureReasonSessionUnavailable   FailureReason = "session-unavailable"
	FailureReasonCancelled            FailureReason = "cancelled"
)

// StepTraceEntry records a single workflow transition so the path can be
// reconstructed post hoc.
type StepTraceEntry struct {
	State    string
	Step     string
	Status   string
	Attempts int
	At       time.Time
	Detail   string
}

// RunReportEntry is the terminal result of one account's workflow in a batch
// run. Append only, one per account per run.
type RunReportEntry struct {
	RunID          string
	AccountEmail   string
	Status         AccountStatus
	Reason         FailureReason
	ErrorDetail    string
	CredentialPath string
	StartedAt      time.Time
	FinishedAt     time.Time
	StepTrace      []StepTraceEntry
}

// Duration returns the total duration of the account workflow.
func (e RunReportEntry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// RunCounts exposes running counts for external progress reporting.
type RunCounts struct {
	Total      int
	Succeeded  int
	Failed     int
	InProgress int
}

// RunReport aggregates the result of a batch run. Entries are in completion
// order, not submission order.
type RunReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Entries    []RunReportEntry
}

// Counts returns the aggregated terminal counts of the report.
func (r RunReport) Counts() RunCounts {
	c := RunCounts{Total: len(r.Entries)}
	for _, e := range r.Entries {
		switch e.Status {
		case AccountStatusSuccess:
			c.Succeeded++
		case AccountStatusFailed:
			c.Failed++
		}
	}
	return c
}

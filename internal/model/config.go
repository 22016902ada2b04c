package model

import (
	"fmt"
	"time"
)

// RunConfig is the validated configuration of one batch run. It is built by
// the storage loaders before any browser session opens, so configuration
// problems never consume login attempts.
type RunConfig struct {
	// MaxRetries is the per step attempt cap.
	MaxRetries int
	// StepTimeout bounds a single step attempt.
	StepTimeout time.Duration
	// ConcurrencyLimit caps the in flight account workflows.
	ConcurrencyLimit int
	// VerificationTimeout is the overall deadline of one delegation.
	VerificationTimeout time.Duration
	// PollInterval is the approver inbox polling period.
	PollInterval time.Duration
	// ApproverBusyFailFast fails a delegation on a busy approver instead of
	// queueing it.
	ApproverBusyFailFast bool
	// AppName is the OAuth consent screen application name.
	AppName string

	// Pattern lists, "kind:pattern" strings. Empty lists use built in
	// defaults.
	SubjectPatterns []string
	SenderPatterns  []string
	LinkPatterns    []string
	CodePatterns    []string

	Approvers []Account
}

func (c RunConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative: %w", ErrNotValid)
	}
	if c.StepTimeout < 0 {
		return fmt.Errorf("step timeout must not be negative: %w", ErrNotValid)
	}
	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("concurrency limit must not be negative: %w", ErrNotValid)
	}
	if c.VerificationTimeout < 0 {
		return fmt.Errorf("verification timeout must not be negative: %w", ErrNotValid)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative: %w", ErrNotValid)
	}

	for i, approver := range c.Approvers {
		if err := approver.Validate(); err != nil {
			return fmt.Errorf("approver %d: %w", i, err)
		}
		if approver.Role != RoleApprover {
			return fmt.Errorf("approver %d (%s) must have the approver role: %w", i, approver.Email, ErrNotValid)
		}
	}

	return nil
}

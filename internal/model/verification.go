package model

import (
	"fmt"
	"time"
)

// VerificationStatus represents the status of a verification delegation.
// Transitions are monotonic, a record never moves backwards.
type VerificationStatus string

const (
	VerificationStatusPending    VerificationStatus = "pending"
	VerificationStatusSearching  VerificationStatus = "searching"
	VerificationStatusFound      VerificationStatus = "found"
	VerificationStatusCompleting VerificationStatus = "completing"
	VerificationStatusCompleted  VerificationStatus = "completed"
	VerificationStatusFailed     VerificationStatus = "failed"
)

var verificationStatusRank = map[VerificationStatus]int{
	VerificationStatusPending:    0,
	VerificationStatusSearching:  1,
	VerificationStatusFound:      2,
	VerificationStatusCompleting: 3,
	VerificationStatusCompleted:  4,
	VerificationStatusFailed:     4, // Terminal, same rank as completed.
}

// IsTerminal returns true if the status is a terminal one.
func (s VerificationStatus) IsTerminal() bool {
	return s == VerificationStatusCompleted || s == VerificationStatusFailed
}

// VerificationRecord is the authoritative join between a primary workflow and
// its delegated approver workflow. One record per suspension event.
type VerificationRecord struct {
	ID            string
	PrimaryEmail  string
	ApproverEmail string
	ChallengeKind ChallengeKind
	Status        VerificationStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	Success       bool
	ErrorDetail   string
}

// Advance moves the record to a new status, rejecting backward transitions.
func (r *VerificationRecord) Advance(status VerificationStatus) error {
	current, ok := verificationStatusRank[r.Status]
	if !ok {
		return fmt.Errorf("unknown current verification status %q: %w", r.Status, ErrNotValid)
	}
	next, ok := verificationStatusRank[status]
	if !ok {
		return fmt.Errorf("unknown verification status %q: %w", status, ErrNotValid)
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("verification record %s is already terminal (%s): %w", r.ID, r.Status, ErrNotValid)
	}
	if next < current {
		return fmt.Errorf("verification status cannot move backwards (%s -> %s): %w", r.Status, status, ErrNotValid)
	}

	r.Status = status
	return nil
}

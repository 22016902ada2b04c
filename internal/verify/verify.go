// Package verify implements the verification delegate: given a detected
// challenge and an approver identity it opens a second browser session,
// polls the approver inbox for the verification message and extracts the
// verification artifact (link or code).
//
// The delegate never touches the primary session: it actions link artifacts
// on its own session and hands code artifacts back to the orchestrating
// workflow, which performs the primary session action itself.
package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/console"
	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/rules"
	"github.com/slok/credforge/internal/step"
	"github.com/slok/credforge/internal/storage"
)

// OutcomeStatus represents the terminal status of a delegation.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the result of a verification delegation.
type Outcome struct {
	Status OutcomeStatus
	// Reason is set on failed outcomes.
	Reason model.FailureReason
	// Artifact is set on completed outcomes. Link artifacts have already
	// been actioned on the approver session; code artifacts must be entered
	// on the primary session by the caller.
	Artifact *model.VerificationArtifact
	// RecordID is the ID of the verification session record of this
	// delegation.
	RecordID string
	Detail   string
}

// sessionCloseGrace bounds the approver session teardown, the run context
// may already be expired at that point.
const sessionCloseGrace = 15 * time.Second

// DelegateConfig is the configuration for the delegate.
type DelegateConfig struct {
	Launcher   browser.Launcher
	Executor   *step.Executor
	Guard      *ApproverGuard
	Repository storage.VerificationRepository
	// SubjectRules match the verification message in the inbox list.
	SubjectRules *rules.Set
	// SenderRules match the sender of an opened message. Empty means any
	// sender.
	SenderRules *rules.Set
	// LinkRules extract verification links from the message content.
	// Evaluated before CodeRules, first match wins.
	LinkRules *rules.Set
	// CodeRules extract numeric verification codes from the message content.
	CodeRules    *rules.Set
	PollInterval time.Duration
	Logger       log.Logger
}

func (c *DelegateConfig) defaults() error {
	if c.Launcher == nil {
		return fmt.Errorf("launcher is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("step executor is required")
	}
	if c.Guard == nil {
		return fmt.Errorf("approver guard is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("verification repository is required")
	}
	if c.SubjectRules == nil {
		c.SubjectRules = DefaultSubjectRules()
	}
	if c.SenderRules == nil {
		c.SenderRules = DefaultSenderRules()
	}
	if c.LinkRules == nil {
		c.LinkRules = DefaultLinkRules()
	}
	if c.CodeRules == nil {
		c.CodeRules = DefaultCodeRules()
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "verify.Delegate"})
	return nil
}

// Delegate resolves verification challenges through approver inboxes.
type Delegate struct {
	cfg    DelegateConfig
	logger log.Logger

	consumedMu sync.Mutex
	consumed   map[string]struct{}
}

// NewDelegate creates a new verification delegate.
func NewDelegate(cfg DelegateConfig) (*Delegate, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Delegate{
		cfg:      cfg,
		logger:   cfg.Logger,
		consumed: map[string]struct{}{},
	}, nil
}

// Resolve runs a full verification delegation for the challenge raised
// against the primary account. The overall deadline bounds the whole
// delegation independently of per step timeouts.
func (d *Delegate) Resolve(ctx context.Context, ch model.Challenge, primary, approver model.Account, timeout time.Duration) Outcome {
	logger := d.logger.WithValues(log.Kv{"primary": primary.Email, "approver": approver.Email})

	release, err := d.cfg.Guard.Acquire(ctx, approver.Email)
	if err != nil {
		return Outcome{
			Status: OutcomeFailed,
			Reason: model.FailureReasonApproverUnavailable,
			Detail: err.Error(),
		}
	}
	defer release()

	record := model.VerificationRecord{
		ID:            ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		PrimaryEmail:  primary.Email,
		ApproverEmail: approver.Email,
		ChallengeKind: ch.Kind,
		Status:        model.VerificationStatusPending,
		StartedAt:     time.Now().UTC(),
	}
	if err := d.cfg.Repository.CreateVerificationRecord(ctx, record); err != nil {
		return Outcome{
			Status: OutcomeFailed,
			Reason: model.FailureReasonApproverUnavailable,
			Detail: fmt.Sprintf("could not create verification record: %v", err),
		}
	}

	outcome := d.resolve(ctx, &record, primary, approver, timeout, logger)
	outcome.RecordID = record.ID

	// Close the record before the primary workflow is allowed to continue.
	now := time.Now().UTC()
	record.CompletedAt = &now
	record.Success = outcome.Status == OutcomeCompleted
	record.ErrorDetail = outcome.Detail
	terminal := model.VerificationStatusCompleted
	if outcome.Status == OutcomeFailed {
		terminal = model.VerificationStatusFailed
	}
	if err := record.Advance(terminal); err != nil {
		logger.Errorf("could not close verification record %s: %v", record.ID, err)
	}
	if err := d.cfg.Repository.UpdateVerificationRecord(context.WithoutCancel(ctx), record); err != nil {
		logger.Errorf("could not persist verification record %s: %v", record.ID, err)
	}

	logger.Infof("verification delegation %s finished: %s", record.ID, outcome.Status)
	return outcome
}

func (d *Delegate) resolve(ctx context.Context, record *model.VerificationRecord, primary, approver model.Account, timeout time.Duration, logger log.Logger) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := d.cfg.Launcher.NewSession(ctx)
	if err != nil {
		return Outcome{
			Status: OutcomeFailed,
			Reason: model.FailureReasonApproverUnavailable,
			Detail: fmt.Sprintf("could not open approver session: %v", err),
		}
	}
	// Scoped resource release, regardless of outcome.
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseGrace)
		defer closeCancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Warningf("could not close approver session: %v", err)
		}
	}()

	// Approver login.
	for _, s := range console.LoginSteps(approver) {
		outcome := d.cfg.Executor.Execute(ctx, sess, s)
		if outcome.Status != step.StatusSucceeded {
			return Outcome{
				Status: OutcomeFailed,
				Reason: model.FailureReasonApproverUnavailable,
				Detail: fmt.Sprintf("approver login step %q %s: %s", s.Name, outcome.Status, outcome.Detail),
			}
		}
	}

	if outcome, ok := d.advance(ctx, record, model.VerificationStatusSearching); !ok {
		return outcome
	}

	// Poll the inbox until the verification message appears or the overall
	// deadline elapses.
	query := console.VerificationSearchQuery(primary.Email)
	for {
		artifact, found := d.pollOnce(ctx, sess, record, query, logger)
		if found {
			if outcome, ok := d.advance(ctx, record, model.VerificationStatusCompleting); !ok {
				return outcome
			}

			if artifact.Type == model.ArtifactTypeLink {
				linkStep := actionLinkStep(artifact.Value)
				outcome := d.cfg.Executor.Execute(ctx, sess, linkStep)
				if outcome.Status != step.StatusSucceeded {
					return Outcome{
						Status: OutcomeFailed,
						Reason: model.FailureReasonChallengeUnresolved,
						Detail: fmt.Sprintf("verification link action %s: %s", outcome.Status, outcome.Detail),
					}
				}
			}

			return Outcome{Status: OutcomeCompleted, Artifact: artifact}
		}

		select {
		case <-time.After(d.cfg.PollInterval):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return Outcome{
					Status: OutcomeFailed,
					Reason: model.FailureReasonCancelled,
					Detail: "delegation cancelled",
				}
			}
			return Outcome{
				Status: OutcomeFailed,
				Reason: model.FailureReasonVerificationNotFound,
				Detail: fmt.Sprintf("no verification message found within %s", timeout),
			}
		}
	}
}

// pollOnce runs one inbox poll: search, match the message list, open the
// candidate message and extract a fresh artifact from it.
func (d *Delegate) pollOnce(ctx context.Context, sess browser.Session, record *model.VerificationRecord, query string, logger log.Logger) (*model.VerificationArtifact, bool) {
	outcome := d.cfg.Executor.Execute(ctx, sess, console.SearchInboxStep(query))
	if outcome.Status != step.StatusSucceeded {
		logger.Debugf("inbox search %s: %s", outcome.Status, outcome.Detail)
		return nil, false
	}

	listText, err := sess.ReadText(ctx, browser.Target{})
	if err != nil {
		logger.Debugf("could not read inbox list: %v", err)
		return nil, false
	}

	subjectMatch, ok := d.cfg.SubjectRules.Eval(listText)
	if !ok {
		return nil, false
	}

	if _, ok := d.advance(ctx, record, model.VerificationStatusFound); !ok {
		return nil, false
	}

	outcome = d.cfg.Executor.Execute(ctx, sess, console.OpenMessageStep(subjectMatch.Value))
	if outcome.Status != step.StatusSucceeded {
		logger.Debugf("could not open message %q: %s", subjectMatch.Value, outcome.Detail)
		return nil, false
	}

	body, err := sess.ReadText(ctx, browser.Target{})
	if err != nil {
		logger.Debugf("could not read message body: %v", err)
		return nil, false
	}

	sender := ""
	if !d.cfg.SenderRules.Empty() {
		senderMatch, ok := d.cfg.SenderRules.Eval(body)
		if !ok {
			logger.Debugf("message %q sender did not match, ignoring", subjectMatch.Value)
			return nil, false
		}
		sender = senderMatch.Value
	}

	artifact, alreadyConsumed := d.Extract(body, subjectMatch.Value, sender)
	if artifact == nil {
		if alreadyConsumed {
			logger.Debugf("artifact of message %q already consumed, ignoring", subjectMatch.Value)
		}
		return nil, false
	}

	logger.Infof("extracted verification artifact (%s) from %q", artifact.Type, subjectMatch.Value)
	return artifact, true
}

// Extract extracts the verification artifact from a message, link rules
// first, then code rules, first match wins. Extraction is consumed at most
// once per message identity and artifact value: a second extraction of the
// same artifact is a no-op that reports alreadyConsumed.
func (d *Delegate) Extract(content, subject, sender string) (artifact *model.VerificationArtifact, alreadyConsumed bool) {
	var found *model.VerificationArtifact

	if m, ok := d.cfg.LinkRules.Eval(content); ok {
		found = &model.VerificationArtifact{
			Type:          model.ArtifactTypeLink,
			Value:         m.Value,
			SourceSubject: subject,
			SourceSender:  sender,
		}
	} else if m, ok := d.cfg.CodeRules.Eval(content); ok {
		found = &model.VerificationArtifact{
			Type:          model.ArtifactTypeCode,
			Value:         m.Value,
			SourceSubject: subject,
			SourceSender:  sender,
		}
	}

	if found == nil {
		return nil, false
	}

	key := subject + "\x00" + sender + "\x00" + found.Value

	d.consumedMu.Lock()
	defer d.consumedMu.Unlock()
	if _, ok := d.consumed[key]; ok {
		return nil, true
	}
	d.consumed[key] = struct{}{}

	return found, false
}

// advance moves the record forward and persists it. Persistence of the
// authoritative record must not fail silently, so a storage error fails the
// delegation.
func (d *Delegate) advance(ctx context.Context, record *model.VerificationRecord, status model.VerificationStatus) (Outcome, bool) {
	if record.Status == status {
		return Outcome{}, true
	}

	if err := record.Advance(status); err != nil {
		return Outcome{
			Status: OutcomeFailed,
			Reason: model.FailureReasonChallengeUnresolved,
			Detail: fmt.Sprintf("could not advance verification record: %v", err),
		}, false
	}
	if err := d.cfg.Repository.UpdateVerificationRecord(ctx, *record); err != nil {
		return Outcome{
			Status: OutcomeFailed,
			Reason: model.FailureReasonChallengeUnresolved,
			Detail: fmt.Sprintf("could not persist verification record: %v", err),
		}, false
	}

	return Outcome{}, true
}

func actionLinkStep(link string) step.Descriptor {
	return step.Descriptor{
		Name: "action-verification-link",
		Action: func(ctx context.Context, sess browser.Session) error {
			return sess.Navigate(ctx, link)
		},
		MaxAttempts: 1,
	}
}

// DefaultSubjectRules matches the usual verification message subjects.
func DefaultSubjectRules() *rules.Set {
	return rules.MustNewSet(
		rules.Rule{Kind: rules.KindLiteral, Pattern: "verification code"},
		rules.Rule{Kind: rules.KindLiteral, Pattern: "verify your email"},
		rules.Rule{Kind: rules.KindLiteral, Pattern: "security alert"},
		rules.Rule{Kind: rules.KindLiteral, Pattern: "verification"},
	)
}

// DefaultSenderRules matches the usual verification message senders.
func DefaultSenderRules() *rules.Set {
	return rules.MustNewSet(
		rules.Rule{Kind: rules.KindLiteral, Pattern: "accounts-noreply@google.com"},
		rules.Rule{Kind: rules.KindLiteral, Pattern: "noreply@google.com"},
		rules.Rule{Kind: rules.KindDomain, Pattern: "google.com"},
	)
}

// DefaultLinkRules extracts verification links.
func DefaultLinkRules() *rules.Set {
	return rules.MustNewSet(
		rules.Rule{Kind: rules.KindRegex, Pattern: `https://accounts\.google\.com/[^\s<>"']*verify[^\s<>"']*`},
		rules.Rule{Kind: rules.KindRegex, Pattern: `https://accounts\.google\.com/[^\s<>"']*confirm[^\s<>"']*`},
		rules.Rule{Kind: rules.KindRegex, Pattern: `https://[^\s<>"']*google[^\s<>"']*verify[^\s<>"']*`},
	)
}

// DefaultCodeRules extracts numeric verification codes.
func DefaultCodeRules() *rules.Set {
	return rules.MustNewSet(
		rules.Rule{Kind: rules.KindRegex, Pattern: `verification code[:\s]+([A-Z0-9]{6,8})`},
		rules.Rule{Kind: rules.KindRegex, Pattern: `G-(\d{6})`},
		rules.Rule{Kind: rules.KindRegex, Pattern: `enter[^\w]+([A-Z0-9]{6,8})`},
		rules.Rule{Kind: rules.KindRegex, Pattern: `code[:\s]+([A-Z0-9]{6,8})`},
	)
}

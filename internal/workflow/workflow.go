// Package workflow implements the per account workflow state machine: it
// owns the authoritative status of one account's run and sequences the
// console steps, challenge handling and verification delegation until the
// credential artifact is downloaded or the run terminally fails.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/challenge"
	"github.com/slok/credforge/internal/console"
	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/step"
	"github.com/slok/credforge/internal/verify"
)

// State represents a state of the workflow state machine.
type State string

const (
	StateLogin               State = "login"
	StateChallengeCheck      State = "challenge-check"
	StateVerificationPending State = "verification-pending"
	StateProjectSetup        State = "project-setup"
	StateAPIEnable           State = "api-enable"
	StateOAuthConsentConfig  State = "oauth-consent-config"
	StateCredentialCreate    State = "credential-create"
	StateDownload            State = "download"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// Delegate resolves a challenge through an approver account. Implemented by
// verify.Delegate.
type Delegate interface {
	Resolve(ctx context.Context, ch model.Challenge, primary, approver model.Account, timeout time.Duration) verify.Outcome
}

// sessionCloseGrace bounds session teardown on workflow exit.
const sessionCloseGrace = 15 * time.Second

// Config is the configuration of one account workflow.
type Config struct {
	Account   model.Account
	Approvers []model.Account
	Launcher  browser.Launcher
	Executor  *step.Executor
	Detector  *challenge.Detector
	// Delegate is optional: without one, every verification challenge is
	// terminal for the account.
	Delegate Delegate
	// VerificationTimeout is the overall deadline of one delegation.
	VerificationTimeout time.Duration
	// ApproverRetryBackoff is the wait before the single delegation retry
	// when the approver was unavailable.
	ApproverRetryBackoff time.Duration
	// ProjectName defaults to a name generated from the account email.
	ProjectName string
	// AppName is the OAuth consent screen application name.
	AppName string
	Logger  log.Logger
}

func (c *Config) defaults() error {
	if err := c.Account.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}
	if c.Account.Role != model.RolePrimary {
		return fmt.Errorf("workflow accounts must have the primary role: %w", model.ErrNotValid)
	}
	if c.Launcher == nil {
		return fmt.Errorf("launcher is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("step executor is required")
	}
	if c.Detector == nil {
		return fmt.Errorf("challenge detector is required")
	}
	if c.VerificationTimeout == 0 {
		c.VerificationTimeout = 5 * time.Minute
	}
	if c.ApproverRetryBackoff == 0 {
		c.ApproverRetryBackoff = 10 * time.Second
	}
	if c.ProjectName == "" {
		c.ProjectName = console.GenerateProjectName(c.Account.Email)
	}
	if c.AppName == "" {
		c.AppName = "Gmail OAuth App"
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "workflow.Workflow", "account": c.Account.Email})
	return nil
}

// Workflow is the state machine of one account's run.
type Workflow struct {
	cfg    Config
	logger log.Logger

	state State
	entry model.RunReportEntry
}

// New creates a new workflow for one primary account.
func New(cfg Config) (*Workflow, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Workflow{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateLogin,
	}, nil
}

// Run drives the workflow to a terminal state and returns the account's run
// report entry. It never returns an error: terminal failures are data.
func (w *Workflow) Run(ctx context.Context) model.RunReportEntry {
	w.entry = model.RunReportEntry{
		AccountEmail: w.cfg.Account.Email,
		StartedAt:    time.Now().UTC(),
	}

	w.runStates(ctx)

	w.entry.FinishedAt = time.Now().UTC()
	w.logger.Infof("workflow finished: %s (%s)", w.entry.Status, w.entry.Reason)
	return w.entry
}

func (w *Workflow) runStates(ctx context.Context) {
	sess, err := w.cfg.Launcher.NewSession(ctx)
	if err != nil {
		w.fail(model.FailureReasonSessionUnavailable, fmt.Sprintf("could not open browser session: %v", err))
		return
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseGrace)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			w.logger.Warningf("could not close session: %v", err)
		}
	}()

	if !w.loginWithChallengeHandling(ctx, sess) {
		return
	}

	var credentialPath string
	downstream := []struct {
		state State
		step  step.Descriptor
	}{
		{StateProjectSetup, console.CreateProjectStep(w.cfg.ProjectName)},
		{StateAPIEnable, console.EnableGmailAPIStep()},
		{StateOAuthConsentConfig, console.ConfigureConsentStep(w.cfg.AppName, w.cfg.Account.Email)},
		{StateCredentialCreate, console.CreateOAuthClientStep(w.cfg.ProjectName)},
		{StateDownload, console.DownloadCredentialStep(&credentialPath)},
	}

	for _, st := range downstream {
		if cancelled := w.checkCancelled(ctx); cancelled {
			return
		}

		w.transition(st.state)
		outcome := w.cfg.Executor.Execute(ctx, sess, st.step)
		w.traceOutcome(outcome)
		if outcome.Status != step.StatusSucceeded {
			w.fail(model.FailureReasonStepExhausted, fmt.Sprintf("step %q %s after %d attempts: %s", st.step.Name, outcome.Status, outcome.Attempts, outcome.Detail))
			return
		}
	}

	w.transition(StateDone)
	w.entry.Status = model.AccountStatusSuccess
	w.entry.CredentialPath = credentialPath
}

// loginWithChallengeHandling runs the login state and the challenge check,
// delegating verification challenges when needed. An unknown page state
// grants one automatic re-attempt of the entire login step.
func (w *Workflow) loginWithChallengeHandling(ctx context.Context, sess browser.Session) bool {
	const maxLoginRounds = 2

	for round := 1; round <= maxLoginRounds; round++ {
		if cancelled := w.checkCancelled(ctx); cancelled {
			return false
		}

		w.transition(StateLogin)
		loginOutcome := w.runLogin(ctx, sess)

		w.transition(StateChallengeCheck)
		cls, err := w.cfg.Detector.Classify(ctx, sess, "login", loginOutcome.Status == step.StatusSucceeded)
		if err != nil {
			w.fail(model.FailureReasonLoginFailed, fmt.Sprintf("could not classify page after login: %v", err))
			return false
		}
		w.trace(StateChallengeCheck, "classify", string(cls.Result), 1, "")

		switch cls.Result {
		case challenge.ResultNoChallenge:
			return true

		case challenge.ResultFatalBlock:
			w.fail(model.FailureReasonFatalBlock, fmt.Sprintf("fatal interstitial detected: %s", cls.Challenge.RawSignal))
			return false

		case challenge.ResultVerificationRequired:
			return w.resolveVerification(ctx, sess, *cls.Challenge)

		case challenge.ResultUnknown:
			if round == maxLoginRounds {
				w.fail(model.FailureReasonLoginFailed, fmt.Sprintf("unrecognized page state after login: %s", loginOutcome.Detail))
				return false
			}
			w.logger.Warningf("unrecognized page state after login, re-attempting login")
		}
	}

	return false
}

// runLogin executes the login step sequence, stopping at the first step
// that does not succeed.
func (w *Workflow) runLogin(ctx context.Context, sess browser.Session) step.Outcome {
	var last step.Outcome
	for _, s := range console.LoginSteps(w.cfg.Account) {
		last = w.cfg.Executor.Execute(ctx, sess, s)
		w.traceOutcome(last)
		if last.Status != step.StatusSucceeded {
			return last
		}
	}
	return last
}

// resolveVerification suspends the workflow on a delegation. Other
// workflows in the batch keep running, this one blocks until the delegation
// record is terminal.
func (w *Workflow) resolveVerification(ctx context.Context, sess browser.Session, ch model.Challenge) bool {
	w.transition(StateVerificationPending)

	if w.cfg.Delegate == nil || len(w.cfg.Approvers) == 0 {
		w.fail(model.FailureReasonChallengeUnresolved, fmt.Sprintf("verification required (%s) and no approver configured", ch.Kind))
		return false
	}

	outcome := w.cfg.Delegate.Resolve(ctx, ch, w.cfg.Account, w.cfg.Approvers[0], w.cfg.VerificationTimeout)

	// An unavailable approver gets one retry with backoff, on the next
	// configured approver when there is one.
	if outcome.Status == verify.OutcomeFailed && outcome.Reason == model.FailureReasonApproverUnavailable {
		approver := w.cfg.Approvers[0]
		if len(w.cfg.Approvers) > 1 {
			approver = w.cfg.Approvers[1]
		}
		w.logger.Warningf("approver unavailable, retrying delegation once with %s", approver.Email)

		select {
		case <-time.After(w.cfg.ApproverRetryBackoff):
		case <-ctx.Done():
			w.fail(model.FailureReasonCancelled, "cancelled while waiting to retry delegation")
			return false
		}

		outcome = w.cfg.Delegate.Resolve(ctx, ch, w.cfg.Account, approver, w.cfg.VerificationTimeout)
	}

	w.trace(StateVerificationPending, "delegate", string(outcome.Status), 1, outcome.Detail)

	if outcome.Status != verify.OutcomeCompleted {
		w.fail(outcome.Reason, fmt.Sprintf("verification delegation failed: %s", outcome.Detail))
		return false
	}

	// Code artifacts are entered on the primary session by the workflow,
	// the delegate never touches this session.
	if outcome.Artifact != nil && outcome.Artifact.Type == model.ArtifactTypeCode {
		codeOutcome := w.cfg.Executor.Execute(ctx, sess, console.EnterVerificationCodeStep(outcome.Artifact.Value))
		w.traceOutcome(codeOutcome)
		if codeOutcome.Status != step.StatusSucceeded {
			w.fail(model.FailureReasonChallengeUnresolved, fmt.Sprintf("could not enter verification code: %s", codeOutcome.Detail))
			return false
		}
		return true
	}

	// Link artifacts were actioned on the approver session, the primary
	// session needs a fresh login round.
	loginOutcome := w.runLogin(ctx, sess)
	if loginOutcome.Status != step.StatusSucceeded {
		w.fail(model.FailureReasonChallengeUnresolved, fmt.Sprintf("login after verification %s: %s", loginOutcome.Status, loginOutcome.Detail))
		return false
	}

	return true
}

func (w *Workflow) checkCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		w.fail(model.FailureReasonCancelled, "run cancelled")
		return true
	}
	return false
}

// transition moves the state machine to a new state, logging it so the path
// can be reconstructed post hoc.
func (w *Workflow) transition(s State) {
	w.logger.Debugf("state transition: %s -> %s", w.state, s)
	w.state = s
	w.trace(s, "", "entered", 0, "")
}

func (w *Workflow) fail(reason model.FailureReason, detail string) {
	w.transition(StateFailed)
	w.entry.Status = model.AccountStatusFailed
	w.entry.Reason = reason
	w.entry.ErrorDetail = detail
	w.logger.Errorf("workflow failed (%s): %s", reason, detail)
}

func (w *Workflow) trace(state State, stepName, status string, attempts int, detail string) {
	w.entry.StepTrace = append(w.entry.StepTrace, model.StepTraceEntry{
		State:    string(state),
		Step:     stepName,
		Status:   status,
		Attempts: attempts,
		At:       time.Now().UTC(),
		Detail:   detail,
	})
}

func (w *Workflow) traceOutcome(o step.Outcome) {
	w.trace(w.state, o.Step, string(o.Status), o.Attempts, o.Detail)
}

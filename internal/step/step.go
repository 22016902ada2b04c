// Package step implements the step executor: it runs one named workflow
// step against a browser session with a timeout and retry policy and
// returns a step outcome. Faults from the capability layer never escape an
// execution, they are converted into failed or timed out outcomes.
package step

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/log"
)

// Action is a capability invocation against a session.
type Action func(ctx context.Context, sess browser.Session) error

// Predicate evaluates whether the step reached its expected page state.
type Predicate func(ctx context.Context, sess browser.Session) (bool, error)

// Descriptor describes one reusable, stateless workflow step.
type Descriptor struct {
	Name    string
	Action  Action
	Success Predicate
	// Timeout is the per attempt timeout. Zero means the executor default.
	Timeout time.Duration
	// MaxAttempts is the retry budget. Zero means the executor default.
	MaxAttempts int
}

// Validate validates the descriptor.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("step name is required")
	}
	if d.Action == nil {
		return fmt.Errorf("step %q action is required", d.Name)
	}
	return nil
}

// Status represents the result status of a step execution.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// Outcome is the result of executing one step, retries included.
type Outcome struct {
	Step     string
	Status   Status
	Attempts int
	// PageSignature is the signature of the page observed after the last
	// attempt.
	PageSignature string
	// FailureSnapshots holds one diagnostic snapshot per failed attempt.
	FailureSnapshots []browser.Snapshot
	// Detail is a human readable summary of the last failure, empty on
	// success.
	Detail string
}

// ExecutorConfig is the configuration for the executor.
type ExecutorConfig struct {
	// BaseDelay is the base backoff delay between attempts.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// DefaultTimeout applies to descriptors without a timeout.
	DefaultTimeout time.Duration
	// DefaultMaxAttempts applies to descriptors without a retry budget.
	DefaultMaxAttempts int
	Logger             log.Logger
}

func (c *ExecutorConfig) defaults() error {
	if c.BaseDelay == 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultMaxAttempts == 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "step.Executor"})
	return nil
}

// Executor runs steps with retries, exponential backoff and jitter.
type Executor struct {
	cfg    ExecutorConfig
	logger log.Logger
}

// NewExecutor creates a new step executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Executor{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Execute runs the step against the session. It never returns an error: the
// outcome carries the result and the caller decides how to react.
func (e *Executor) Execute(ctx context.Context, sess browser.Session, d Descriptor) Outcome {
	outcome := Outcome{Step: d.Name}

	if err := d.Validate(); err != nil {
		outcome.Status = StatusFailed
		outcome.Detail = err.Error()
		return outcome
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = e.cfg.DefaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.Attempts = attempt

		status, detail := e.runAttempt(ctx, sess, d, timeout)
		outcome.Status = status
		outcome.Detail = detail

		if snap, err := sess.Snapshot(ctx); err == nil && snap != nil {
			outcome.PageSignature = snap.Signature()
			if status != StatusSucceeded {
				outcome.FailureSnapshots = append(outcome.FailureSnapshots, *snap)
			}
		}

		if status == StatusSucceeded {
			e.logger.Debugf("step %q succeeded on attempt %d/%d", d.Name, attempt, maxAttempts)
			return outcome
		}

		e.logger.Debugf("step %q attempt %d/%d %s: %s", d.Name, attempt, maxAttempts, status, detail)

		if attempt == maxAttempts {
			break
		}

		if err := e.backoff(ctx, attempt); err != nil {
			outcome.Status = StatusFailed
			outcome.Detail = fmt.Sprintf("cancelled while waiting to retry: %v", err)
			return outcome
		}
	}

	e.logger.Warningf("step %q exhausted %d attempts: %s", d.Name, outcome.Attempts, outcome.Detail)
	return outcome
}

// runAttempt executes one attempt under the per attempt timeout, converting
// every fault (errors and panics alike) into a step status.
func (e *Executor) runAttempt(ctx context.Context, sess browser.Session, d Descriptor, timeout time.Duration) (status Status, detail string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			status = StatusFailed
			detail = fmt.Sprintf("capability layer panic: %v", r)
		}
	}()

	if err := d.Action(ctx, sess); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StatusTimedOut, fmt.Sprintf("step action timed out after %s", timeout)
		}
		return StatusFailed, fmt.Sprintf("step action failed: %v", err)
	}

	if d.Success == nil {
		return StatusSucceeded, ""
	}

	ok, err := d.Success(ctx, sess)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimedOut, fmt.Sprintf("success predicate timed out after %s", timeout)
	case err != nil:
		return StatusFailed, fmt.Sprintf("success predicate failed: %v", err)
	case !ok:
		return StatusFailed, "success predicate not satisfied"
	}

	return StatusSucceeded, ""
}

// backoff sleeps the exponential backoff delay plus jitter for the attempt,
// observing cancellation.
func (e *Executor) backoff(ctx context.Context, attempt int) error {
	delay := e.cfg.BaseDelay << (attempt - 1)
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	delay += time.Duration(rand.Int63n(int64(e.cfg.BaseDelay)))

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package batch implements the batch coordinator: it runs one workflow per
// primary account under a concurrency cap, isolating per account failures
// and aggregating the results into a run report in completion order.
package batch

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/challenge"
	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/step"
	"github.com/slok/credforge/internal/storage"
	"github.com/slok/credforge/internal/workflow"
)

// CoordinatorConfig is the configuration for the batch coordinator.
type CoordinatorConfig struct {
	Launcher  browser.Launcher
	Executor  *step.Executor
	Detector  *challenge.Detector
	Delegate  workflow.Delegate
	Approvers []model.Account
	// Repository persists the run report when set.
	Repository storage.ReportRepository

	ConcurrencyLimit     int
	VerificationTimeout  time.Duration
	ApproverRetryBackoff time.Duration
	AppName              string
	Logger               log.Logger
}

func (c *CoordinatorConfig) defaults() error {
	if c.Launcher == nil {
		return fmt.Errorf("launcher is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("step executor is required")
	}
	if c.Detector == nil {
		return fmt.Errorf("challenge detector is required")
	}
	if c.ConcurrencyLimit == 0 {
		c.ConcurrencyLimit = 3
	}
	if c.ConcurrencyLimit < 0 {
		return fmt.Errorf("concurrency limit must be positive: %w", model.ErrNotValid)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "batch.Coordinator"})
	return nil
}

// Coordinator runs account workflows concurrently.
type Coordinator struct {
	cfg    CoordinatorConfig
	logger log.Logger

	countsMu sync.Mutex
	counts   model.RunCounts
}

// NewCoordinator creates a new batch coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// Counts returns a snapshot of the running counts for external progress
// reporting.
func (c *Coordinator) Counts() model.RunCounts {
	c.countsMu.Lock()
	defer c.countsMu.Unlock()
	return c.counts
}

// RunBatch runs one workflow per account under the concurrency cap and
// returns the aggregated run report, entries in completion order.
//
// Configuration problems abort the whole batch before any session opens.
// Per account terminal failures never do: they are data in the report, and
// one account's failure never cancels its siblings.
func (c *Coordinator) RunBatch(ctx context.Context, accounts []model.Account) (*model.RunReport, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts to process: %w", model.ErrNotValid)
	}
	for i := range accounts {
		if err := accounts[i].Validate(); err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		if accounts[i].Role != model.RolePrimary {
			return nil, fmt.Errorf("account %s: batch accounts must be primaries: %w", accounts[i].Email, model.ErrNotValid)
		}
	}

	report := &model.RunReport{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		StartedAt: time.Now().UTC(),
	}

	c.countsMu.Lock()
	c.counts = model.RunCounts{Total: len(accounts)}
	c.countsMu.Unlock()

	c.logger.Infof("starting batch run %s: %d accounts, concurrency %d", report.ID, len(accounts), c.cfg.ConcurrencyLimit)

	results := make(chan model.RunReportEntry)
	sema := make(chan struct{}, c.cfg.ConcurrencyLimit)

	var wg sync.WaitGroup
	for _, account := range accounts {
		wg.Add(1)
		go func(account model.Account) {
			defer wg.Done()

			select {
			case sema <- struct{}{}:
			case <-ctx.Done():
				results <- model.RunReportEntry{
					RunID:        report.ID,
					AccountEmail: account.Email,
					Status:       model.AccountStatusSkipped,
					Reason:       model.FailureReasonCancelled,
					ErrorDetail:  "run cancelled before the workflow started",
					StartedAt:    time.Now().UTC(),
					FinishedAt:   time.Now().UTC(),
				}
				return
			}
			defer func() { <-sema }()

			c.markStarted()
			results <- c.runAccount(ctx, report.ID, account)
		}(account)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for entry := range results {
		report.Entries = append(report.Entries, entry)
		c.markFinished(entry.Status)
		c.logger.Infof("account %s finished: %s (%d/%d)", entry.AccountEmail, entry.Status, len(report.Entries), len(accounts))
	}

	report.FinishedAt = time.Now().UTC()

	counts := report.Counts()
	c.logger.Infof("batch run %s finished: %d succeeded, %d failed, %d total", report.ID, counts.Succeeded, counts.Failed, counts.Total)

	if c.cfg.Repository != nil {
		if err := c.cfg.Repository.CreateRunReport(context.WithoutCancel(ctx), *report); err != nil {
			c.logger.Errorf("could not persist run report %s: %v", report.ID, err)
		}
	}

	return report, nil
}

// runAccount runs one account workflow, isolating every fault into a run
// report entry.
func (c *Coordinator) runAccount(ctx context.Context, runID string, account model.Account) (entry model.RunReportEntry) {
	defer func() {
		if r := recover(); r != nil {
			entry = model.RunReportEntry{
				AccountEmail: account.Email,
				Status:       model.AccountStatusFailed,
				Reason:       model.FailureReasonStepExhausted,
				ErrorDetail:  fmt.Sprintf("workflow panic: %v", r),
				StartedAt:    time.Now().UTC(),
				FinishedAt:   time.Now().UTC(),
			}
		}
		entry.RunID = runID
	}()

	wf, err := workflow.New(workflow.Config{
		Account:              account,
		Approvers:            c.cfg.Approvers,
		Launcher:             c.cfg.Launcher,
		Executor:             c.cfg.Executor,
		Detector:             c.cfg.Detector,
		Delegate:             c.cfg.Delegate,
		VerificationTimeout:  c.cfg.VerificationTimeout,
		ApproverRetryBackoff: c.cfg.ApproverRetryBackoff,
		AppName:              c.cfg.AppName,
		Logger:               c.logger,
	})
	if err != nil {
		now := time.Now().UTC()
		return model.RunReportEntry{
			AccountEmail: account.Email,
			Status:       model.AccountStatusFailed,
			Reason:       model.FailureReasonSessionUnavailable,
			ErrorDetail:  fmt.Sprintf("could not create workflow: %v", err),
			StartedAt:    now,
			FinishedAt:   now,
		}
	}

	return wf.Run(ctx)
}

func (c *Coordinator) markStarted() {
	c.countsMu.Lock()
	defer c.countsMu.Unlock()
	c.counts.InProgress++
}

func (c *Coordinator) markFinished(status model.AccountStatus) {
	c.countsMu.Lock()
	defer c.countsMu.Unlock()

	switch status {
	case model.AccountStatusSuccess:
		c.counts.Succeeded++
		c.counts.InProgress--
	case model.AccountStatusFailed:
		c.counts.Failed++
		c.counts.InProgress--
	case model.AccountStatusSkipped:
		// Never started, not in progress.
	}
}

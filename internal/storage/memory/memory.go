package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.Repository.
type Repository struct {
	verifications map[string]model.VerificationRecord
	reports       map[string]model.RunReport
	reportOrder   []string
	mu            sync.RWMutex
	logger        log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		verifications: make(map[string]model.VerificationRecord),
		reports:       make(map[string]model.RunReport),
		logger:        cfg.Logger,
	}, nil
}

// CreateVerificationRecord creates a new verification record.
func (r *Repository) CreateVerificationRecord(ctx context.Context, v model.VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.verifications[v.ID]; ok {
		return fmt.Errorf("verification record %s: %w", v.ID, model.ErrAlreadyExists)
	}

	r.verifications[v.ID] = v
	r.logger.Debugf("Created verification record: %s", v.ID)

	return nil
}

// UpdateVerificationRecord updates an existing verification record.
func (r *Repository) UpdateVerificationRecord(ctx context.Context, v model.VerificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.verifications[v.ID]; !ok {
		return fmt.Errorf("verification record %s: %w", v.ID, model.ErrNotFound)
	}

	r.verifications[v.ID] = v
	return nil
}

// GetVerificationRecord retrieves a verification record by ID.
func (r *Repository) GetVerificationRecord(ctx context.Context, id string) (*model.VerificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.verifications[id]
	if !ok {
		return nil, fmt.Errorf("verification record %s: %w", id, model.ErrNotFound)
	}

	// Return a copy
	vCopy := v
	return &vCopy, nil
}

// ListVerificationRecords returns all verification records.
func (r *Repository) ListVerificationRecords(ctx context.Context) ([]model.VerificationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]model.VerificationRecord, 0, len(r.verifications))
	for _, v := range r.verifications {
		records = append(records, v)
	}

	return records, nil
}

// CreateRunReport creates a new run report with its entries.
func (r *Repository) CreateRunReport(ctx context.Context, report model.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reports[report.ID]; ok {
		return fmt.Errorf("run report %s: %w", report.ID, model.ErrAlreadyExists)
	}

	r.reports[report.ID] = report
	r.reportOrder = append(r.reportOrder, report.ID)
	r.logger.Debugf("Created run report: %s (%d entries)", report.ID, len(report.Entries))

	return nil
}

// GetRunReport retrieves a run report by ID.
func (r *Repository) GetRunReport(ctx context.Context, id string) (*model.RunReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, ok := r.reports[id]
	if !ok {
		return nil, fmt.Errorf("run report %s: %w", id, model.ErrNotFound)
	}

	reportCopy := report
	return &reportCopy, nil
}

// ListRunReports returns all run reports in creation order.
func (r *Repository) ListRunReports(ctx context.Context) ([]model.RunReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reports := make([]model.RunReport, 0, len(r.reports))
	for _, id := range r.reportOrder {
		reports = append(reports, r.reports[id])
	}

	return reports, nil
}

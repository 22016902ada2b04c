package storage

import (
	"context"

	"github.com/slok/credforge/internal/model"
)

// VerificationRepository is the interface for verification session record
// persistence.
type VerificationRepository interface {
	CreateVerificationRecord(ctx context.Context, r model.VerificationRecord) error
	UpdateVerificationRecord(ctx context.Context, r model.VerificationRecord) error
	GetVerificationRecord(ctx context.Context, id string) (*model.VerificationRecord, error)
	ListVerificationRecords(ctx context.Context) ([]model.VerificationRecord, error)
}

// ReportRepository is the interface for batch run report persistence.
type ReportRepository interface {
	CreateRunReport(ctx context.Context, r model.RunReport) error
	GetRunReport(ctx context.Context, id string) (*model.RunReport, error)
	ListRunReports(ctx context.Context) ([]model.RunReport, error)
}

// Repository groups all the storage repositories.
type Repository interface {
	VerificationRepository
	ReportRepository
}

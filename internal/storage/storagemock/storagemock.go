// Package storagemock contains testify mocks for the storage repositories.
package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/credforge/internal/model"
)

// MockRepository is a mock implementation of storage.Repository.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateVerificationRecord(ctx context.Context, r model.VerificationRecord) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRepository) UpdateVerificationRecord(ctx context.Context, r model.VerificationRecord) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRepository) GetVerificationRecord(ctx context.Context, id string) (*model.VerificationRecord, error) {
	args := m.Called(ctx, id)
	r, _ := args.Get(0).(*model.VerificationRecord)
	return r, args.Error(1)
}

func (m *MockRepository) ListVerificationRecords(ctx context.Context) ([]model.VerificationRecord, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).([]model.VerificationRecord)
	return r, args.Error(1)
}

func (m *MockRepository) CreateRunReport(ctx context.Context, r model.RunReport) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockRepository) GetRunReport(ctx context.Context, id string) (*model.RunReport, error) {
	args := m.Called(ctx, id)
	r, _ := args.Get(0).(*model.RunReport)
	return r, args.Error(1)
}

func (m *MockRepository) ListRunReports(ctx context.Context) ([]model.RunReport, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).([]model.RunReport)
	return r, args.Error(1)
}

// Package browsermock contains testify mocks for the browser capability
// boundary.
package browsermock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/slok/credforge/internal/browser"
)

// MockSession is a mock implementation of browser.Session.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockSession) Find(ctx context.Context, target browser.Target) (bool, error) {
	args := m.Called(ctx, target)
	return args.Bool(0), args.Error(1)
}

func (m *MockSession) Click(ctx context.Context, target browser.Target) error {
	args := m.Called(ctx, target)
	return args.Error(0)
}

func (m *MockSession) Type(ctx context.Context, target browser.Target, text string) error {
	args := m.Called(ctx, target, text)
	return args.Error(0)
}

func (m *MockSession) WaitFor(ctx context.Context, cond browser.Condition, timeout time.Duration) error {
	args := m.Called(ctx, cond, timeout)
	return args.Error(0)
}

func (m *MockSession) ReadText(ctx context.Context, scope browser.Target) (string, error) {
	args := m.Called(ctx, scope)
	return args.String(0), args.Error(1)
}

func (m *MockSession) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSession) DownloadPendingFile(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSession) Snapshot(ctx context.Context) (*browser.Snapshot, error) {
	args := m.Called(ctx)
	snap, _ := args.Get(0).(*browser.Snapshot)
	return snap, args.Error(1)
}

func (m *MockSession) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockLauncher is a mock implementation of browser.Launcher.
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) NewSession(ctx context.Context) (browser.Session, error) {
	args := m.Called(ctx)
	sess, _ := args.Get(0).(browser.Session)
	return sess, args.Error(1)
}

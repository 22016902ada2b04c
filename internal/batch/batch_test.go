package batch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/credforge/internal/batch"
	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/browser/fake"
	"github.com/slok/credforge/internal/challenge"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/step"
	"github.com/slok/credforge/internal/storage"
	"github.com/slok/credforge/internal/storage/memory"
	"github.com/slok/credforge/internal/storage/storagemock"
)

func testAccounts(n int) []model.Account {
	accounts := make([]model.Account, 0, n)
	for i := 0; i < n; i++ {
		accounts = append(accounts, model.Account{
			Email:  fmt.Sprintf("user%d@example.com", i),
			Secret: "pass",
			Role:   model.RolePrimary,
		})
	}
	return accounts
}

func newFakeLauncher(t *testing.T) browser.Launcher {
	t.Helper()
	launcher, err := fake.NewLauncher(fake.LauncherConfig{World: fake.ConsoleWorld("test-app")})
	require.NoError(t, err)
	return launcher
}

func newTestCoordinator(t *testing.T, launcher browser.Launcher, repo storage.ReportRepository, limit int) *batch.Coordinator {
	t.Helper()

	executor, err := step.NewExecutor(step.ExecutorConfig{
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		DefaultTimeout:     time.Second,
		DefaultMaxAttempts: 1,
	})
	require.NoError(t, err)

	detector, err := challenge.NewDetector(challenge.DetectorConfig{GraceDelay: time.Millisecond})
	require.NoError(t, err)

	coordinator, err := batch.NewCoordinator(batch.CoordinatorConfig{
		Launcher:         launcher,
		Executor:         executor,
		Detector:         detector,
		Repository:       repo,
		ConcurrencyLimit: limit,
		AppName:          "test-app",
	})
	require.NoError(t, err)
	return coordinator
}

func TestCoordinatorRunBatch(t *testing.T) {
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	coordinator := newTestCoordinator(t, newFakeLauncher(t), repo, 2)

	accounts := testAccounts(3)
	report, err := coordinator.RunBatch(context.Background(), accounts)
	require.NoError(t, err)

	require.NotEmpty(t, report.ID)
	require.Len(t, report.Entries, 3)
	for _, entry := range report.Entries {
		assert.Equal(t, model.AccountStatusSuccess, entry.Status, entry.ErrorDetail)
		assert.Equal(t, report.ID, entry.RunID)
		assert.Equal(t, fake.CredentialDownloadPath, entry.CredentialPath)
	}

	counts := report.Counts()
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 3, counts.Succeeded)
	assert.Equal(t, 0, counts.Failed)

	// Live counts settle once the run finishes.
	live := coordinator.Counts()
	assert.Equal(t, 0, live.InProgress)
	assert.Equal(t, 3, live.Succeeded)

	// The report was persisted.
	stored, err := repo.GetRunReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Entries, 3)
}

func TestCoordinatorRunBatchReportPersistFailureDoesNotFailRun(t *testing.T) {
	// The report is data the run already produced: a broken repository must
	// not turn a finished batch into an error.
	repo := &storagemock.MockRepository{}
	repo.On("CreateRunReport", mock.Anything, mock.Anything).Return(fmt.Errorf("disk full")).Once()

	coordinator := newTestCoordinator(t, newFakeLauncher(t), repo, 2)

	report, err := coordinator.RunBatch(context.Background(), testAccounts(2))
	require.NoError(t, err)

	require.Len(t, report.Entries, 2)
	counts := report.Counts()
	assert.Equal(t, 2, counts.Succeeded)
	repo.AssertExpectations(t)
}

// flakyLauncher fails or panics on a chosen NewSession call, every other call
// goes to the wrapped launcher.
type flakyLauncher struct {
	inner     browser.Launcher
	failCall  int
	panicCall int

	mu    sync.Mutex
	calls int
}

func (l *flakyLauncher) NewSession(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	l.calls++
	call := l.calls
	l.mu.Unlock()

	if call == l.failCall {
		return nil, fmt.Errorf("browser backend unavailable")
	}
	if call == l.panicCall {
		panic("driver went away")
	}
	return l.inner.NewSession(ctx)
}

func TestCoordinatorRunBatchIsolatesAccountFailures(t *testing.T) {
	launcher := &flakyLauncher{inner: newFakeLauncher(t), failCall: 2}
	// Sequential so exactly one account hits the failing call.
	coordinator := newTestCoordinator(t, launcher, nil, 1)

	report, err := coordinator.RunBatch(context.Background(), testAccounts(3))
	require.NoError(t, err)

	require.Len(t, report.Entries, 3)
	counts := report.Counts()
	assert.Equal(t, 2, counts.Succeeded)
	assert.Equal(t, 1, counts.Failed)

	for _, entry := range report.Entries {
		if entry.Status == model.AccountStatusFailed {
			assert.Equal(t, model.FailureReasonSessionUnavailable, entry.Reason)
			assert.NotEmpty(t, entry.AccountEmail)
		}
	}
}

func TestCoordinatorRunBatchIsolatesPanics(t *testing.T) {
	launcher := &flakyLauncher{inner: newFakeLauncher(t), panicCall: 2}
	coordinator := newTestCoordinator(t, launcher, nil, 1)

	report, err := coordinator.RunBatch(context.Background(), testAccounts(3))
	require.NoError(t, err)

	require.Len(t, report.Entries, 3)
	counts := report.Counts()
	assert.Equal(t, 2, counts.Succeeded)
	assert.Equal(t, 1, counts.Failed)

	for _, entry := range report.Entries {
		if entry.Status == model.AccountStatusFailed {
			assert.Equal(t, model.FailureReasonStepExhausted, entry.Reason)
			assert.Contains(t, entry.ErrorDetail, "panic")
			assert.Equal(t, report.ID, entry.RunID)
		}
	}
}

// gaugeLauncher tracks how many NewSession calls run concurrently. Each call
// lingers so overlapping workflows are observed overlapping.
type gaugeLauncher struct {
	inner browser.Launcher

	mu      sync.Mutex
	pending int
	maxSeen int
	total   int
}

func (l *gaugeLauncher) NewSession(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	l.pending++
	l.total++
	if l.pending > l.maxSeen {
		l.maxSeen = l.pending
	}
	l.mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	l.mu.Lock()
	l.pending--
	l.mu.Unlock()

	return l.inner.NewSession(ctx)
}

func TestCoordinatorRunBatchHonorsConcurrencyLimit(t *testing.T) {
	launcher := &gaugeLauncher{inner: newFakeLauncher(t)}
	coordinator := newTestCoordinator(t, launcher, nil, 2)

	report, err := coordinator.RunBatch(context.Background(), testAccounts(6))
	require.NoError(t, err)

	assert.Len(t, report.Entries, 6)
	assert.Equal(t, 6, launcher.total)
	assert.LessOrEqual(t, launcher.maxSeen, 2, "no more than the concurrency limit of workflows may run at once")
	assert.Equal(t, 2, launcher.maxSeen, "the whole concurrency budget should be used")
}

// blockingLauncher blocks every NewSession call until the context is done.
type blockingLauncher struct{}

func (l *blockingLauncher) NewSession(ctx context.Context) (browser.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCoordinatorRunBatchCancellation(t *testing.T) {
	coordinator := newTestCoordinator(t, &blockingLauncher{}, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	report, err := coordinator.RunBatch(ctx, testAccounts(3))
	require.NoError(t, err)

	require.Len(t, report.Entries, 3)

	var failed, skipped int
	for _, entry := range report.Entries {
		switch entry.Status {
		case model.AccountStatusFailed:
			failed++
			assert.Equal(t, model.FailureReasonSessionUnavailable, entry.Reason)
		case model.AccountStatusSkipped:
			skipped++
			assert.Equal(t, model.FailureReasonCancelled, entry.Reason)
			assert.Equal(t, "run cancelled before the workflow started", entry.ErrorDetail)
		default:
			t.Fatalf("unexpected entry status %q", entry.Status)
		}
	}

	// One account was in flight when the run was cancelled, the queued ones
	// never started.
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, skipped)

	live := coordinator.Counts()
	assert.Equal(t, 0, live.InProgress)
}

func TestCoordinatorRunBatchValidation(t *testing.T) {
	tests := map[string]struct {
		accounts []model.Account
	}{
		"An empty account list should abort the batch": {
			accounts: []model.Account{},
		},
		"An invalid account should abort the batch": {
			accounts: []model.Account{{Email: "user@example.com", Role: model.RolePrimary}},
		},
		"An approver account should abort the batch": {
			accounts: []model.Account{{Email: "user@example.com", Secret: "pass", Role: model.RoleApprover}},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			launcher := &gaugeLauncher{inner: newFakeLauncher(t)}
			coordinator := newTestCoordinator(t, launcher, nil, 2)

			_, err := coordinator.RunBatch(context.Background(), tc.accounts)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrNotValid)
			assert.Equal(t, 0, launcher.total, "no session should open on an invalid batch")
		})
	}
}

package verify_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/credforge/internal/browser/fake"
	"github.com/slok/credforge/internal/console"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/step"
	"github.com/slok/credforge/internal/storage"
	"github.com/slok/credforge/internal/storage/memory"
	"github.com/slok/credforge/internal/storage/storagemock"
	"github.com/slok/credforge/internal/verify"
)

const messageURL = console.InboxURL + "/mail/u/0/msg-1"

func newTestDelegate(t *testing.T, world *fake.World, repo storage.VerificationRepository, guard *verify.ApproverGuard) *verify.Delegate {
	t.Helper()

	launcher, err := fake.NewLauncher(fake.LauncherConfig{World: world})
	require.NoError(t, err)

	executor, err := step.NewExecutor(step.ExecutorConfig{
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		DefaultTimeout:     time.Second,
		DefaultMaxAttempts: 2,
	})
	require.NoError(t, err)

	if guard == nil {
		guard = verify.NewApproverGuard(false)
	}

	delegate, err := verify.NewDelegate(verify.DelegateConfig{
		Launcher:     launcher,
		Executor:     executor,
		Guard:        guard,
		Repository:   repo,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return delegate
}

func newTestRepository(t *testing.T) *memory.Repository {
	t.Helper()
	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)
	return repo
}

// recordingRepository captures the status of every record write so tests can
// assert the exact lifecycle the delegate persisted.
type recordingRepository struct {
	*memory.Repository

	mu       sync.Mutex
	statuses []model.VerificationStatus
}

func (r *recordingRepository) CreateVerificationRecord(ctx context.Context, rec model.VerificationRecord) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, rec.Status)
	r.mu.Unlock()
	return r.Repository.CreateVerificationRecord(ctx, rec)
}

func (r *recordingRepository) UpdateVerificationRecord(ctx context.Context, rec model.VerificationRecord) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, rec.Status)
	r.mu.Unlock()
	return r.Repository.UpdateVerificationRecord(ctx, rec)
}

// worldWithMessage scripts an inbox where the verification message for the
// primary account is already waiting, with the given message body.
func worldWithMessage(t *testing.T, body string) *fake.World {
	t.Helper()

	world := fake.ConsoleWorld("test-app")
	require.NoError(t, world.AddElement(console.InboxURL, fake.Element{
		Text:     "Your verification code for alice@example.com",
		ClickURL: messageURL,
	}))
	world.SetPage(fake.Page{URL: messageURL, Text: body})
	return world
}

var (
	testChallenge = model.Challenge{
		Kind:           model.ChallengeKindEmailVerification,
		DetectedAtStep: "login-password",
		RawSignal:      "verify your email",
	}
	testPrimary  = model.Account{Email: "alice@example.com", Secret: "primary-pass", Role: model.RolePrimary}
	testApprover = model.Account{Email: "approver@example.com", Secret: "approver-pass", Role: model.RoleApprover}
)

func TestDelegateResolveCodeArtifact(t *testing.T) {
	world := worldWithMessage(t, "From: accounts-noreply@google.com\nYour verification code: 493021")
	repo := &recordingRepository{Repository: newTestRepository(t)}
	delegate := newTestDelegate(t, world, repo, nil)

	outcome := delegate.Resolve(context.Background(), testChallenge, testPrimary, testApprover, 5*time.Second)

	require.Equal(t, verify.OutcomeCompleted, outcome.Status, outcome.Detail)
	require.NotNil(t, outcome.Artifact)
	assert.Equal(t, model.ArtifactTypeCode, outcome.Artifact.Type)
	assert.Equal(t, "493021", outcome.Artifact.Value)
	assert.Equal(t, "accounts-noreply@google.com", outcome.Artifact.SourceSender)

	// The record must be closed as completed.
	require.NotEmpty(t, outcome.RecordID)
	record, err := repo.GetVerificationRecord(context.Background(), outcome.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationStatusCompleted, record.Status)
	assert.True(t, record.Success)
	assert.Equal(t, testPrimary.Email, record.PrimaryEmail)
	assert.Equal(t, testApprover.Email, record.ApproverEmail)
	require.NotNil(t, record.CompletedAt)

	// Every intermediate status was persisted, in order, no jumps.
	assert.Equal(t, []model.VerificationStatus{
		model.VerificationStatusPending,
		model.VerificationStatusSearching,
		model.VerificationStatusFound,
		model.VerificationStatusCompleting,
		model.VerificationStatusCompleted,
	}, repo.statuses)

	// The approver logged in on its own session.
	var typedSecret bool
	for _, tv := range world.TypedValues() {
		if tv.Value == testApprover.Secret {
			typedSecret = true
		}
	}
	assert.True(t, typedSecret, "approver password should have been typed on the approver session")
}

func TestDelegateResolveLinkArtifact(t *testing.T) {
	// Link rules win over code rules, and the link is actioned on the
	// approver session itself.
	world := worldWithMessage(t, "From: accounts-noreply@google.com\n"+
		"Click https://accounts.google.com/signin/verify?t=abc123 or enter code: 493021")
	repo := newTestRepository(t)
	delegate := newTestDelegate(t, world, repo, nil)

	outcome := delegate.Resolve(context.Background(), testChallenge, testPrimary, testApprover, 5*time.Second)

	require.Equal(t, verify.OutcomeCompleted, outcome.Status, outcome.Detail)
	require.NotNil(t, outcome.Artifact)
	assert.Equal(t, model.ArtifactTypeLink, outcome.Artifact.Type)
	assert.Equal(t, "https://accounts.google.com/signin/verify?t=abc123", outcome.Artifact.Value)
}

func TestDelegateResolveMessageArrivesDuringPoll(t *testing.T) {
	// The inbox starts empty, the message lands while the delegate is
	// already polling.
	world := fake.ConsoleWorld("test-app")
	repo := newTestRepository(t)
	delegate := newTestDelegate(t, world, repo, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = world.AddElement(console.InboxURL, fake.Element{
			Text:     "Your verification code for alice@example.com",
			ClickURL: messageURL,
		})
		world.SetPage(fake.Page{URL: messageURL, Text: "From: accounts-noreply@google.com\nYour verification code: 110022"})
	}()

	outcome := delegate.Resolve(context.Background(), testChallenge, testPrimary, testApprover, 5*time.Second)

	require.Equal(t, verify.OutcomeCompleted, outcome.Status, outcome.Detail)
	require.NotNil(t, outcome.Artifact)
	assert.Equal(t, "110022", outcome.Artifact.Value)
}

func TestDelegateResolveNoMessageTimesOut(t *testing.T) {
	world := fake.ConsoleWorld("test-app")
	repo := newTestRepository(t)
	delegate := newTestDelegate(t, world, repo, nil)

	outcome := delegate.Resolve(context.Background(), testChallenge, testPrimary, testApprover, 250*time.Millisecond)

	require.Equal(t, verify.OutcomeFailed, outcome.Status)
	assert.Equal(t, model.FailureReasonVerificationNotFound, outcome.Reason)

	record, err := repo.GetVerificationRecord(context.Background(), outcome.RecordID)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationStatusFailed, record.Status)
	assert.False(t, record.Success)
}

func TestDelegateResolveCancelled(t *testing.T) {
	world := fake.ConsoleWorld("test-app")
	repo := newTestRepository(t)
	delegate := newTestDelegate(t, world, repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	outcome := delegate.Resolve(ctx, testChallenge, testPrimary, testApprover, 5*time.Second)

	require.Equal(t, verify.OutcomeFailed, outcome.Status)
	assert.Equal(t, model.FailureReasonCancelled, outcome.Reason)
}

func TestDelegateResolveBusyApproverFailsFast(t *testing.T) {
	world := fake.ConsoleWorld("test-app")
	repo := newTestRepository(t)
	guard := verify.NewApproverGuard(true)
	delegate := newTestDelegate(t, world, repo, guard)

	release, err := guard.Acquire(context.Background(), testApprover.Email)
	require.NoError(t, err)
	defer release()

	outcome := delegate.Resolve(context.Background(), testChallenge, testPrimary, testApprover, time.Second)

	require.Equal(t, verify.OutcomeFailed, outcome.Status)
	assert.Equal(t, model.FailureReasonApproverUnavailable, outcome.Reason)

	// A busy approver fails the delegation before any record is created.
	records, err := repo.ListVerificationRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDelegateResolveRecordPersistFailureFailsDelegation(t *testing.T) {
	// The verification record is the authoritative join between the primary
	// and the approver workflow: losing a lifecycle write fails the
	// delegation instead of continuing with a stale record.
	world := worldWithMessage(t, "From: accounts-noreply@google.com\nYour verification code: 493021")
	repo := &storagemock.MockRepository{}
	repo.On("CreateVerificationRecord", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdateVerificationRecord", mock.Anything, mock.Anything).Return(fmt.Errorf("disk full"))

	delegate := newTestDelegate(t, world, repo, nil)
	outcome := delegate.Resolve(context.Background(), testChallenge, testPrimary, testApprover, 5*time.Second)

	require.Equal(t, verify.OutcomeFailed, outcome.Status)
	assert.Equal(t, model.FailureReasonChallengeUnresolved, outcome.Reason)
	assert.Contains(t, outcome.Detail, "could not persist verification record")
	repo.AssertExpectations(t)
}

func TestDelegateResolveTerminalPersistFailureKeepsOutcome(t *testing.T) {
	// Once the artifact is extracted the delegation is done: a storage error
	// while closing the record is logged, not surfaced.
	world := worldWithMessage(t, "From: accounts-noreply@google.com\nYour verification code: 493021")
	repo := &storagemock.MockRepository{}
	repo.On("CreateVerificationRecord", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdateVerificationRecord", mock.Anything, mock.Anything).Return(nil).Times(3)
	repo.On("UpdateVerificationRecord", mock.Anything, mock.Anything).Return(fmt.Errorf("disk full")).Once()

	delegate := newTestDelegate(t, world, repo, nil)
	outcome := delegate.Resolve(context.Background(), testChallenge, testPrimary, testApprover, 5*time.Second)

	require.Equal(t, verify.OutcomeCompleted, outcome.Status, outcome.Detail)
	require.NotNil(t, outcome.Artifact)
	assert.Equal(t, "493021", outcome.Artifact.Value)
	repo.AssertExpectations(t)
}

func TestDelegateExtract(t *testing.T) {
	tests := map[string]struct {
		content  string
		expType  model.ArtifactType
		expValue string
		expNone  bool
	}{
		"A verification link should win over a code in the same message": {
			content:  "Open https://accounts.google.com/o/verify?t=x or use code: ABC123",
			expType:  model.ArtifactTypeLink,
			expValue: "https://accounts.google.com/o/verify?t=x",
		},

		"A labeled verification code should be extracted": {
			content:  "Your verification code: 493021",
			expType:  model.ArtifactTypeCode,
			expValue: "493021",
		},

		"A G-prefixed code should be extracted without the prefix": {
			content:  "Use G-123456 to sign in",
			expType:  model.ArtifactTypeCode,
			expValue: "123456",
		},

		"A message without link or code should yield nothing": {
			content: "Welcome to your new account",
			expNone: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			delegate := newTestDelegate(t, fake.ConsoleWorld("test-app"), newTestRepository(t), nil)

			artifact, alreadyConsumed := delegate.Extract(tc.content, "subject", "sender@google.com")

			assert.False(t, alreadyConsumed)
			if tc.expNone {
				assert.Nil(t, artifact)
				return
			}

			require.NotNil(t, artifact)
			assert.Equal(t, tc.expType, artifact.Type)
			assert.Equal(t, tc.expValue, artifact.Value)
			assert.Equal(t, "subject", artifact.SourceSubject)
			assert.Equal(t, "sender@google.com", artifact.SourceSender)
		})
	}
}

func TestDelegateExtractConsumesOnce(t *testing.T) {
	delegate := newTestDelegate(t, fake.ConsoleWorld("test-app"), newTestRepository(t), nil)

	content := "Your verification code: 493021"

	artifact, alreadyConsumed := delegate.Extract(content, "subject", "sender")
	require.NotNil(t, artifact)
	assert.False(t, alreadyConsumed)

	// Same message identity and value: stale, must not be reused.
	artifact, alreadyConsumed = delegate.Extract(content, "subject", "sender")
	assert.Nil(t, artifact)
	assert.True(t, alreadyConsumed)

	// A fresh code for the same message identity is a new artifact.
	artifact, alreadyConsumed = delegate.Extract("Your verification code: 110022", "subject", "sender")
	require.NotNil(t, artifact)
	assert.False(t, alreadyConsumed)
	assert.Equal(t, "110022", artifact.Value)
}

package verify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/verify"
)

func TestApproverGuardSerializesSameApprover(t *testing.T) {
	guard := verify.NewApproverGuard(false)
	ctx := context.Background()

	release1, err := guard.Acquire(ctx, "approver@example.com")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := guard.Acquire(ctx, "approver@example.com")
		require.NoError(t, err)
		defer release2()
		close(acquired)
	}()

	// The second acquire must queue while the first holds the slot.
	select {
	case <-acquired:
		t.Fatal("second acquire should have queued behind the first")
	case <-time.After(50 * time.Millisecond):
	}

	release1()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should have proceeded after release")
	}
}

func TestApproverGuardDifferentApproversDontBlock(t *testing.T) {
	guard := verify.NewApproverGuard(false)
	ctx := context.Background()

	release1, err := guard.Acquire(ctx, "a@example.com")
	require.NoError(t, err)
	defer release1()

	release2, err := guard.Acquire(ctx, "b@example.com")
	require.NoError(t, err)
	defer release2()
}

func TestApproverGuardFailFast(t *testing.T) {
	guard := verify.NewApproverGuard(true)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "approver@example.com")
	require.NoError(t, err)
	defer release()

	_, err = guard.Acquire(ctx, "approver@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrApproverBusy)
}

func TestApproverGuardAcquireCancelledWhileQueued(t *testing.T) {
	guard := verify.NewApproverGuard(false)

	release, err := guard.Acquire(context.Background(), "approver@example.com")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = guard.Acquire(ctx, "approver@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApproverGuardReleaseIsIdempotent(t *testing.T) {
	guard := verify.NewApproverGuard(false)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "approver@example.com")
	require.NoError(t, err)

	release()
	release() // Second release must not free a slot it does not hold.

	release2, err := guard.Acquire(ctx, "approver@example.com")
	require.NoError(t, err)
	release2()
}

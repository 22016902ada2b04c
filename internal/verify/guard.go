package verify

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/credforge/internal/model"
)

// ApproverGuard serializes access to approver identities: an approver
// account must never be used by two concurrent verification delegations.
//
// It is an explicit object (not a process singleton) so independent batches
// can run with independent guards.
type ApproverGuard struct {
	// FailFast rejects a second delegation on a busy approver instead of
	// queueing it.
	failFast bool

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewApproverGuard creates a new approver guard. When failFast is set,
// acquiring a busy approver returns model.ErrApproverBusy instead of
// queueing.
func NewApproverGuard(failFast bool) *ApproverGuard {
	return &ApproverGuard{
		failFast: failFast,
		slots:    map[string]chan struct{}{},
	}
}

// Acquire takes exclusive use of the approver identity and returns the
// release function. Queues or fails fast when the approver is busy,
// depending on configuration.
func (g *ApproverGuard) Acquire(ctx context.Context, approverEmail string) (release func(), err error) {
	slot := g.slot(approverEmail)

	if g.failFast {
		select {
		case slot <- struct{}{}:
		default:
			return nil, fmt.Errorf("approver %s is in use by another delegation: %w", approverEmail, model.ErrApproverBusy)
		}
	} else {
		select {
		case slot <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("cancelled while waiting for approver %s: %w", approverEmail, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

func (g *ApproverGuard) slot(approverEmail string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.slots[approverEmail]
	if !ok {
		slot = make(chan struct{}, 1)
		g.slots[approverEmail] = slot
	}
	return slot
}

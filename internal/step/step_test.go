package step_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/browser/browsermock"
	"github.com/slok/credforge/internal/step"
)

func newTestExecutor(t *testing.T) *step.Executor {
	t.Helper()

	e, err := step.NewExecutor(step.ExecutorConfig{
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		DefaultTimeout:     time.Second,
		DefaultMaxAttempts: 3,
	})
	require.NoError(t, err)
	return e
}

func newMockSession() *browsermock.MockSession {
	sess := &browsermock.MockSession{}
	sess.On("Snapshot", mock.Anything).Return(&browser.Snapshot{URL: "https://example.com", Text: "page"}, nil).Maybe()
	return sess
}

func TestExecutorExecute(t *testing.T) {
	tests := map[string]struct {
		step        func(calls *int) step.Descriptor
		expStatus   step.Status
		expAttempts int
	}{
		"A step that succeeds first try should report one attempt": {
			step: func(calls *int) step.Descriptor {
				return step.Descriptor{
					Name:   "test-step",
					Action: func(ctx context.Context, sess browser.Session) error { *calls++; return nil },
				}
			},
			expStatus:   step.StatusSucceeded,
			expAttempts: 1,
		},

		"A step that always fails should consume exactly the retry budget": {
			step: func(calls *int) step.Descriptor {
				return step.Descriptor{
					Name:   "test-step",
					Action: func(ctx context.Context, sess browser.Session) error { *calls++; return fmt.Errorf("boom") },
				}
			},
			expStatus:   step.StatusFailed,
			expAttempts: 3,
		},

		"A step that fails then succeeds should stop retrying on success": {
			step: func(calls *int) step.Descriptor {
				return step.Descriptor{
					Name: "test-step",
					Action: func(ctx context.Context, sess browser.Session) error {
						*calls++
						if *calls < 2 {
							return fmt.Errorf("transient")
						}
						return nil
					},
				}
			},
			expStatus:   step.StatusSucceeded,
			expAttempts: 2,
		},

		"A step whose success predicate never holds should fail after the budget": {
			step: func(calls *int) step.Descriptor {
				return step.Descriptor{
					Name:    "test-step",
					Action:  func(ctx context.Context, sess browser.Session) error { *calls++; return nil },
					Success: func(ctx context.Context, sess browser.Session) (bool, error) { return false, nil },
				}
			},
			expStatus:   step.StatusFailed,
			expAttempts: 3,
		},

		"A step honoring its own attempt budget should override the default": {
			step: func(calls *int) step.Descriptor {
				return step.Descriptor{
					Name:        "test-step",
					MaxAttempts: 5,
					Action:      func(ctx context.Context, sess browser.Session) error { *calls++; return fmt.Errorf("boom") },
				}
			},
			expStatus:   step.StatusFailed,
			expAttempts: 5,
		},

		"A step that times out should report a timed out status": {
			step: func(calls *int) step.Descriptor {
				return step.Descriptor{
					Name:    "test-step",
					Timeout: 10 * time.Millisecond,
					Action: func(ctx context.Context, sess browser.Session) error {
						*calls++
						<-ctx.Done()
						return ctx.Err()
					},
				}
			},
			expStatus:   step.StatusTimedOut,
			expAttempts: 3,
		},

		"A step whose action panics should fail instead of crashing": {
			step: func(calls *int) step.Descriptor {
				return step.Descriptor{
					Name:   "test-step",
					Action: func(ctx context.Context, sess browser.Session) error { *calls++; panic("broken driver") },
				}
			},
			expStatus:   step.StatusFailed,
			expAttempts: 3,
		},

		"A step without a name should fail validation without running": {
			step: func(calls *int) step.Descriptor {
				return step.Descriptor{
					Action: func(ctx context.Context, sess browser.Session) error { *calls++; return nil },
				}
			},
			expStatus:   step.StatusFailed,
			expAttempts: 0,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			executor := newTestExecutor(t)
			sess := newMockSession()

			calls := 0
			outcome := executor.Execute(context.Background(), sess, tc.step(&calls))

			assert.Equal(t, tc.expStatus, outcome.Status)
			assert.Equal(t, tc.expAttempts, outcome.Attempts)
			assert.Equal(t, tc.expAttempts, calls)
			if tc.expStatus != step.StatusSucceeded {
				assert.NotEmpty(t, outcome.Detail)
			}
		})
	}
}

func TestExecutorExecuteFailureSnapshots(t *testing.T) {
	executor := newTestExecutor(t)
	sess := newMockSession()

	outcome := executor.Execute(context.Background(), sess, step.Descriptor{
		Name:   "test-step",
		Action: func(ctx context.Context, sess browser.Session) error { return fmt.Errorf("boom") },
	})

	require.Equal(t, step.StatusFailed, outcome.Status)
	assert.Len(t, outcome.FailureSnapshots, 3)
	assert.NotEmpty(t, outcome.PageSignature)
}

func TestExecutorExecuteCancelledDuringBackoff(t *testing.T) {
	executor, err := step.NewExecutor(step.ExecutorConfig{
		BaseDelay:          time.Hour,
		MaxDelay:           time.Hour,
		DefaultTimeout:     time.Second,
		DefaultMaxAttempts: 3,
	})
	require.NoError(t, err)
	sess := newMockSession()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	outcome := executor.Execute(ctx, sess, step.Descriptor{
		Name:   "test-step",
		Action: func(ctx context.Context, sess browser.Session) error { return fmt.Errorf("boom") },
	})

	assert.Equal(t, step.StatusFailed, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Less(t, time.Since(start), time.Minute, "cancellation should interrupt the backoff wait")
}

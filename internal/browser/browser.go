// Package browser defines the capability boundary with the browser
// automation back end. The orchestration core only depends on these
// interfaces, so back ends (WebDriver, containerized browsers, fakes) can be
// swapped without touching the decision logic.
package browser

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/slok/credforge/internal/model"
)

// Target identifies an element on the current page, by CSS selector or by a
// visible text pattern. At least one must be set.
type Target struct {
	Selector string
	Text     string
}

func (t Target) String() string {
	if t.Selector != "" {
		return t.Selector
	}
	return fmt.Sprintf("text=%q", t.Text)
}

// Validate validates the target.
func (t Target) Validate() error {
	if t.Selector == "" && t.Text == "" {
		return fmt.Errorf("target needs a selector or a text pattern: %w", model.ErrNotValid)
	}
	return nil
}

// Condition is a page condition that can be waited for. Exactly one field
// should be set.
type Condition struct {
	Present      *Target
	URLContains  string
	TextContains string
}

func (c Condition) String() string {
	switch {
	case c.Present != nil:
		return fmt.Sprintf("present(%s)", c.Present)
	case c.URLContains != "":
		return fmt.Sprintf("url~%q", c.URLContains)
	default:
		return fmt.Sprintf("text~%q", c.TextContains)
	}
}

// Snapshot is a diagnostic capture of the page state at a point in time.
type Snapshot struct {
	URL     string
	Text    string
	TakenAt time.Time
}

// Signature returns a short stable signature of the observed page state.
func (s Snapshot) Signature() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.URL))
	_, _ = h.Write([]byte(s.Text))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Session is one isolated browsing context. A session is bound to exactly
// one account for its lifetime and is exclusively owned by the workflow (or
// verification delegation) that created it.
//
// Implementations must release all resources on Close regardless of the
// session outcome.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// Find reports whether the target is present on the current page.
	Find(ctx context.Context, target Target) (bool, error)
	Click(ctx context.Context, target Target) error
	Type(ctx context.Context, target Target, text string) error
	// WaitFor blocks until the condition holds or the timeout elapses.
	WaitFor(ctx context.Context, cond Condition, timeout time.Duration) error
	// ReadText returns the visible text of the scope, or of the whole page
	// when the scope is the zero Target.
	ReadText(ctx context.Context, scope Target) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	// DownloadPendingFile waits for the file triggered by the last download
	// action and returns its local path.
	DownloadPendingFile(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
	Close(ctx context.Context) error
}

// Launcher creates isolated browser sessions.
type Launcher interface {
	NewSession(ctx context.Context) (Session, error)
}

// Package fake implements a scripted in-memory browser. It simulates page
// navigation, element interaction and downloads without a real browser, so
// full workflow runs can execute deterministically in tests and dry runs.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
)

// Element is an interactive element on a fake page.
type Element struct {
	// Selector matches browser.Target selectors exactly.
	Selector string
	// Text matches browser.Target texts by containment.
	Text string
	// ClickURL navigates the session when the element is clicked.
	ClickURL string
}

// Page is one scripted page, keyed by its URL.
type Page struct {
	URL      string
	Text     string
	Elements []Element
	// Download is the path DownloadPendingFile returns on this page.
	Download string
}

// TypedValue records one Type call, for assertions.
type TypedValue struct {
	URL    string
	Target browser.Target
	Value  string
}

// World is the scripted site shared by every session of a launcher. Pages
// are resolved by longest URL prefix, so fragment and query suffixes land on
// their base page. Mutating the world while sessions poll it is allowed and
// is how tests simulate externally arriving state, like a verification mail.
type World struct {
	mu    sync.Mutex
	pages map[string]*Page
	typed []TypedValue
}

// NewWorld creates a world from a set of pages.
func NewWorld(pages ...Page) *World {
	w := &World{pages: map[string]*Page{}}
	for _, p := range pages {
		w.SetPage(p)
	}
	return w
}

// SetPage adds or replaces a page.
func (w *World) SetPage(p Page) {
	w.mu.Lock()
	defer w.mu.Unlock()
	page := p
	w.pages[p.URL] = &page
}

// AppendText appends text to a page, simulating content arriving on it.
func (w *World) AppendText(url, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	page, ok := w.pages[url]
	if !ok {
		return fmt.Errorf("page %s: %w", url, model.ErrNotFound)
	}
	page.Text += "\n" + text
	return nil
}

// AddElement adds an element to a page, simulating content arriving on it.
func (w *World) AddElement(url string, el Element) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	page, ok := w.pages[url]
	if !ok {
		return fmt.Errorf("page %s: %w", url, model.ErrNotFound)
	}
	page.Elements = append(page.Elements, el)
	return nil
}

// TypedValues returns a copy of every recorded Type call.
func (w *World) TypedValues() []TypedValue {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]TypedValue, len(w.typed))
	copy(out, w.typed)
	return out
}

// resolve returns the page with the longest URL prefix of the given URL.
func (w *World) resolve(url string) (*Page, bool) {
	var best *Page
	bestLen := -1
	for key, page := range w.pages {
		if strings.HasPrefix(url, key) && len(key) > bestLen {
			best = page
			bestLen = len(key)
		}
	}
	return best, best != nil
}

// LauncherConfig is the configuration for the fake launcher.
type LauncherConfig struct {
	World  *World
	Logger log.Logger
}

func (c *LauncherConfig) defaults() error {
	if c.World == nil {
		return fmt.Errorf("world is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "browser.FakeLauncher"})
	return nil
}

// Launcher is a fake implementation of the browser.Launcher interface. All
// its sessions share one world.
type Launcher struct {
	world  *World
	logger log.Logger
}

// NewLauncher creates a new fake launcher.
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Launcher{
		world:  cfg.World,
		logger: cfg.Logger,
	}, nil
}

// NewSession creates a new fake session on the shared world.
func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	l.logger.Debugf("opened fake session")
	return &Session{
		world:  l.world,
		logger: l.logger,
	}, nil
}

// pollEvery is the WaitFor re-check period. Low so tests stay fast.
const pollEvery = 5 * time.Millisecond

// Session is a fake implementation of the browser.Session interface.
type Session struct {
	world  *World
	logger log.Logger

	mu      sync.Mutex
	current string
	closed  bool
}

var _ browser.Session = (*Session)(nil)

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.world.mu.Lock()
	_, ok := s.world.resolve(url)
	s.world.mu.Unlock()
	if !ok {
		return fmt.Errorf("no page at %s: %w", url, model.ErrNotFound)
	}

	s.mu.Lock()
	s.current = url
	s.mu.Unlock()
	return nil
}

func (s *Session) Find(ctx context.Context, target browser.Target) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if err := target.Validate(); err != nil {
		return false, err
	}

	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	page, err := s.pageLocked()
	if err != nil {
		return false, err
	}
	_, found := findElement(page, target)
	return found, nil
}

func (s *Session) Click(ctx context.Context, target browser.Target) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	s.world.mu.Lock()
	page, err := s.pageLocked()
	if err != nil {
		s.world.mu.Unlock()
		return err
	}
	el, found := findElement(page, target)
	s.world.mu.Unlock()
	if !found {
		return fmt.Errorf("element %s not on page %s: %w", target, page.URL, model.ErrNotFound)
	}

	if el.ClickURL != "" {
		return s.Navigate(ctx, el.ClickURL)
	}
	return nil
}

func (s *Session) Type(ctx context.Context, target browser.Target, text string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	page, err := s.pageLocked()
	if err != nil {
		return err
	}
	if _, found := findElement(page, target); !found {
		return fmt.Errorf("element %s not on page %s: %w", target, page.URL, model.ErrNotFound)
	}

	s.world.typed = append(s.world.typed, TypedValue{URL: page.URL, Target: target, Value: text})
	return nil
}

// WaitFor polls the world until the condition holds or the timeout expires.
// Polling matters: another session (an approver's) may mutate the world
// while this one waits.
func (s *Session) WaitFor(ctx context.Context, cond browser.Condition, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		ok, err := s.conditionHolds(ctx, cond)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-time.After(pollEvery):
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v: %w", cond, ctx.Err())
		}
	}
}

func (s *Session) conditionHolds(ctx context.Context, cond browser.Condition) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	page, err := s.pageLocked()
	if err != nil {
		return false, err
	}

	if cond.Present != nil {
		if _, found := findElement(page, *cond.Present); !found {
			return false, nil
		}
	}
	if cond.URLContains != "" && !strings.Contains(s.currentURL(), cond.URLContains) {
		return false, nil
	}
	if cond.TextContains != "" && !strings.Contains(pageText(page), cond.TextContains) {
		return false, nil
	}
	return true, nil
}

func (s *Session) ReadText(ctx context.Context, scope browser.Target) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}

	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	page, err := s.pageLocked()
	if err != nil {
		return "", err
	}

	if scope == (browser.Target{}) {
		return pageText(page), nil
	}

	el, found := findElement(page, scope)
	if !found {
		return "", fmt.Errorf("element %s not on page %s: %w", scope, page.URL, model.ErrNotFound)
	}
	return el.Text, nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}
	return s.currentURL(), nil
}

func (s *Session) DownloadPendingFile(ctx context.Context) (string, error) {
	if err := s.check(ctx); err != nil {
		return "", err
	}

	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	page, err := s.pageLocked()
	if err != nil {
		return "", err
	}
	if page.Download == "" {
		return "", fmt.Errorf("no pending download on page %s: %w", page.URL, model.ErrNotFound)
	}
	return page.Download, nil
}

func (s *Session) Snapshot(ctx context.Context) (*browser.Snapshot, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.world.mu.Lock()
	defer s.world.mu.Unlock()
	page, err := s.pageLocked()
	if err != nil {
		return nil, err
	}

	return &browser.Snapshot{
		URL:     s.currentURL(),
		Text:    pageText(page),
		TakenAt: time.Now().UTC(),
	}, nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil // Idempotent
	}
	s.closed = true
	s.logger.Debugf("closed fake session")
	return nil
}

func (s *Session) check(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session is closed: %w", model.ErrNotValid)
	}
	return nil
}

func (s *Session) currentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// pageLocked resolves the current page. Callers hold the world lock.
func (s *Session) pageLocked() (*Page, error) {
	current := s.currentURL()
	if current == "" {
		return nil, fmt.Errorf("session has not navigated anywhere: %w", model.ErrNotValid)
	}
	page, ok := s.world.resolve(current)
	if !ok {
		return nil, fmt.Errorf("no page at %s: %w", current, model.ErrNotFound)
	}
	return page, nil
}

func findElement(page *Page, target browser.Target) (Element, bool) {
	// Exact text matches win over containment so short labels ("Create")
	// don't resolve to longer ones ("Create Credentials").
	for _, el := range page.Elements {
		if target.Selector != "" && el.Selector == target.Selector {
			return el, true
		}
		if target.Selector == "" && target.Text != "" && el.Text == target.Text {
			return el, true
		}
	}
	for _, el := range page.Elements {
		if target.Selector == "" && target.Text != "" && el.Text != "" && strings.Contains(el.Text, target.Text) {
			return el, true
		}
	}
	// Text targets also match page body text.
	if target.Selector == "" && target.Text != "" && strings.Contains(page.Text, target.Text) {
		return Element{Text: target.Text}, true
	}
	return Element{}, false
}

func pageText(page *Page) string {
	var sb strings.Builder
	sb.WriteString(page.Text)
	for _, el := range page.Elements {
		if el.Text != "" {
			sb.WriteString("\n")
			sb.WriteString(el.Text)
		}
	}
	return sb.String()
}

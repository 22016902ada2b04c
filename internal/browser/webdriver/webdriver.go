// Package webdriver implements the browser session over a remote W3C
// WebDriver endpoint, like the one a selenium standalone container exposes.
package webdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/slok/credforge/internal/browser"
	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
)

// LauncherConfig is the configuration for the WebDriver launcher.
type LauncherConfig struct {
	// RemoteURL is the WebDriver endpoint, e.g. http://localhost:4444/wd/hub.
	RemoteURL string
	// DownloadDir is where the remote browser drops downloaded files.
	DownloadDir string
	// Client is the HTTP client used for the wire protocol.
	Client *http.Client
	Logger log.Logger
}

func (c *LauncherConfig) defaults() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote URL is required")
	}
	c.RemoteURL = strings.TrimSuffix(c.RemoteURL, "/")
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(os.TempDir(), "credforge-downloads")
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "browser.WebDriverLauncher"})
	return nil
}

// Launcher creates browser sessions on a remote WebDriver endpoint.
type Launcher struct {
	cfg    LauncherConfig
	logger log.Logger
}

// NewLauncher creates a new WebDriver launcher.
func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Launcher{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// NewSession creates a new WebDriver session.
func (l *Launcher) NewSession(ctx context.Context) (browser.Session, error) {
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{
				"browserName": "chrome",
				"goog:chromeOptions": map[string]any{
					"prefs": map[string]any{
						"download.default_directory": l.cfg.DownloadDir,
					},
				},
			},
		},
	}

	var resp struct {
		Value struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	if err := l.do(ctx, http.MethodPost, "/session", body, &resp); err != nil {
		return nil, fmt.Errorf("could not create session: %w", err)
	}
	if resp.Value.SessionID == "" {
		return nil, fmt.Errorf("endpoint returned no session ID")
	}

	l.logger.Debugf("opened webdriver session %s", resp.Value.SessionID)

	return &Session{
		launcher:    l,
		id:          resp.Value.SessionID,
		downloadDir: l.cfg.DownloadDir,
		openedAt:    time.Now(),
		logger:      l.logger.WithValues(log.Kv{"session": resp.Value.SessionID}),
	}, nil
}

// do runs one wire protocol request and decodes the W3C response envelope.
func (l *Launcher) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.cfg.RemoteURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("wire request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var werr struct {
			Value struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			} `json:"value"`
		}
		if jsonErr := json.Unmarshal(data, &werr); jsonErr == nil && werr.Value.Error != "" {
			if werr.Value.Error == "no such element" {
				return fmt.Errorf("%s: %w", werr.Value.Message, model.ErrNotFound)
			}
			return fmt.Errorf("webdriver error %q: %s", werr.Value.Error, werr.Value.Message)
		}
		return fmt.Errorf("webdriver HTTP %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshaling response: %w", err)
		}
	}
	return nil
}

// Session is a browser session over a remote WebDriver endpoint.
type Session struct {
	launcher    *Launcher
	id          string
	downloadDir string
	openedAt    time.Time
	logger      log.Logger

	mu     sync.Mutex
	closed bool
}

var _ browser.Session = (*Session)(nil)

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, "/url", map[string]any{"url": url}, nil)
}

func (s *Session) Find(ctx context.Context, target browser.Target) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if err := target.Validate(); err != nil {
		return false, err
	}

	_, err := s.findElement(ctx, target)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Session) Click(ctx context.Context, target browser.Target) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	el, err := s.findElement(ctx, target)
	if err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, "/element/"+el+"/click", map[string]any{}, nil)
}

func (s *Session) Type(ctx context.Context, target browser.Target, text string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := target.Validate(); err != nil {
		return err
	}

	el, err := s.findElement(ctx, target)
	if err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, "/element/"+el+"/value", map[string]any{"text": text}, nil)
}

// waitPoll is the WaitFor re-check period against the remote browser.
const waitPoll = 500 * time.Millisecond

func (s *Session) WaitFor(ctx context.Context, cond browser.Condition, timeout time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		ok, err := s.conditionHolds(ctx, cond)
		if err != nil && !isNotFound(err) {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-time.After(waitPoll):
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v: %w", cond, ctx.Err())
		}
	}
}

func (s *Session) conditionHolds(ctx context.Context, cond browser.Condition) (bool, error) {
	if cond.Present != nil {
		found, err := s.Find(ctx, *cond.Present)
		if err != nil || !found {
			return false, err
		}
	}
	if cond.URLContains != "" {
		current, err := s.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		if !strings.Contains(current, cond.URLContains) {
			return false, nil
		}
	}
	if cond.TextContains != "" {
		text, err := s.ReadText(ctx, browser.Target{})
		if err != nil {
			return false, err
		}
		if !strings.Contains(text, cond.TextContains) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Session) ReadText(ctx context.Context, scope browser.Target) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}

	scopeTarget := scope
	if scopeTarget == (browser.Target{}) {
		scopeTarget = browser.Target{Selector: "body"}
	}
	el, err := s.findElement(ctx, scopeTarget)
	if err != nil {
		return "", err
	}

	var resp struct {
		Value string `json:"value"`
	}
	if err := s.do(ctx, http.MethodGet, "/element/"+el+"/text", nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}

	var resp struct {
		Value string `json:"value"`
	}
	if err := s.do(ctx, http.MethodGet, "/url", nil, &resp); err != nil {
		return "", err
	}
	return resp.Value, nil
}

// DownloadPendingFile waits for a download newer than the session start to
// finish in the download directory and returns its path.
func (s *Session) DownloadPendingFile(ctx context.Context) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}

	for {
		path, ok, err := s.completedDownload()
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}

		select {
		case <-time.After(waitPoll):
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for download: %w", ctx.Err())
		}
	}
}

func (s *Session) completedDownload() (string, bool, error) {
	entries, err := os.ReadDir(s.downloadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading download dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".crdownload") || strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(s.openedAt) {
			return filepath.Join(s.downloadDir, entry.Name()), true, nil
		}
	}
	return "", false, nil
}

func (s *Session) Snapshot(ctx context.Context) (*browser.Snapshot, error) {
	url, err := s.CurrentURL(ctx)
	if err != nil {
		return nil, err
	}
	text, err := s.ReadText(ctx, browser.Target{})
	if err != nil {
		return nil, err
	}

	return &browser.Snapshot{
		URL:     url,
		Text:    text,
		TakenAt: time.Now().UTC(),
	}, nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil // Idempotent
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.launcher.do(ctx, http.MethodDelete, "/session/"+s.id, nil, nil); err != nil {
		return fmt.Errorf("could not delete session: %w", err)
	}
	s.logger.Debugf("closed webdriver session")
	return nil
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session is closed: %w", model.ErrNotValid)
	}
	return nil
}

func (s *Session) do(ctx context.Context, method, path string, body, out any) error {
	return s.launcher.do(ctx, method, "/session/"+s.id+path, body, out)
}

// findElement locates one element and returns its wire protocol reference.
// Selector targets use CSS, text targets an XPath text match.
func (s *Session) findElement(ctx context.Context, target browser.Target) (string, error) {
	using, value := "css selector", target.Selector
	if target.Selector == "" {
		using = "xpath"
		value = fmt.Sprintf(`//*[contains(normalize-space(.), %s)][not(.//*[contains(normalize-space(.), %s)])]`,
			xpathLiteral(target.Text), xpathLiteral(target.Text))
	}

	var resp struct {
		Value map[string]string `json:"value"`
	}
	err := s.do(ctx, http.MethodPost, "/element", map[string]any{"using": using, "value": value}, &resp)
	if err != nil {
		return "", err
	}

	for _, ref := range resp.Value {
		return ref, nil
	}
	return "", fmt.Errorf("element %s: %w", target, model.ErrNotFound)
}

// xpathLiteral quotes a string for embedding in an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, `'`)
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}

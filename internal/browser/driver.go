// Package browser drives headless Chrome through Rod. A Driver owns one
// shared browser process, launched lazily on first use; each task execution
// gets its own incognito Context that is torn down when the execution ends.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"webrunner/internal/config"
	"webrunner/internal/logging"
	"webrunner/internal/types"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Driver manages the shared browser process and hands out per-execution
// contexts.
type Driver struct {
	cfg      config.BrowserConfig
	sessions SessionStore

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

// NewDriver creates a Driver. The browser process is not launched until the
// first context is requested.
func NewDriver(cfg config.BrowserConfig, sessions SessionStore) *Driver {
	return &Driver{cfg: cfg, sessions: sessions}
}

// ensureBrowser launches or reuses the shared browser. The browser outlives
// any single execution, so it is not bound to an execution context. A stale
// connection is detected via a version probe and replaced.
func (d *Driver) ensureBrowser() (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return d.browser, nil
		}
		logging.Browser("stale browser connection, relaunching")
		_ = d.browser.Close()
		d.browser = nil
		d.controlURL = ""
	}

	controlURL, err := launcher.New().Headless(d.cfg.Headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if slow := d.cfg.SlowMotion(); slow > 0 {
		browser = browser.SlowMotion(slow)
	}
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	d.browser = browser
	d.controlURL = controlURL
	logging.Browser("browser launched: headless=%v", d.cfg.Headless)
	return d.browser, nil
}

// Close shuts down the shared browser. Safe to call when nothing was ever
// launched.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.controlURL = ""
	logging.Browser("browser closed")
	return err
}

// Context is a single execution's browser surface: one incognito context
// holding one page. It is not safe for concurrent use.
type Context struct {
	driver *Driver
	page   *rod.Page
	cfg    config.BrowserConfig
	domain string

	// localStorage entries restored from a snapshot, waiting for the
	// first navigation onto the right origin.
	pendingStorage map[string]string
}

// NewContext opens a fresh incognito page configured with the driver's
// viewport and user agent.
func (d *Driver) NewContext(ctx context.Context) (*Context, error) {
	browser, err := d.ensureBrowser()
	if err != nil {
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.GetViewportWidth(),
		Height:            d.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserDebug("set viewport: %v", err)
	}
	if d.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: d.cfg.UserAgent}); err != nil {
			logging.BrowserDebug("set user agent: %v", err)
		}
	}

	bc := &Context{driver: d, page: page, cfg: d.cfg}
	bc.watchConsole(ctx)
	return bc, nil
}

// watchConsole streams console errors and page exceptions into the browser
// log category. Diagnostics only.
func (c *Context) watchConsole(ctx context.Context) {
	page := c.page
	go page.Context(ctx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			if ev.Type != proto.RuntimeConsoleAPICalledTypeError {
				return
			}
			logging.BrowserDebug("console error: %s", consoleText(ev.Args))
		},
		func(ev *proto.RuntimeExceptionThrown) {
			logging.BrowserDebug("page exception: %s", ev.ExceptionDetails.Text)
		},
		func(ev *proto.NetworkLoadingFailed) {
			logging.BrowserDebug("request failed: %s (%s)", ev.ErrorText, ev.RequestID)
		},
	)()
}

func consoleText(args []*proto.RuntimeRemoteObject) string {
	out := ""
	for _, a := range args {
		if a == nil {
			continue
		}
		if out != "" {
			out += " "
		}
		if !a.Value.Nil() {
			out += a.Value.String()
		} else if a.Description != "" {
			out += a.Description
		}
	}
	return out
}

// Navigate loads a URL, waiting for the load event and briefly for network
// idle. The navigation timeout comes from configuration.
func (c *Context) Navigate(ctx context.Context, rawURL string) error {
	timer := logging.StartTimer(logging.CategoryBrowser, "navigate "+rawURL)
	defer timer.Stop()

	c.domain = domainOf(rawURL)

	page := c.page.Context(ctx).Timeout(c.cfg.NavigationTimeout())
	if err := page.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", rawURL, err)
	}
	// Network idle is best effort. SPA pages may keep connections open.
	_ = page.WaitIdle(3 * time.Second)
	return nil
}

// Login performs a form login. The page must already be on a URL whose
// domain matches the credentials, or creds.URL is navigated to first.
func (c *Context) Login(ctx context.Context, creds *types.LoginCredentials) error {
	if creds.URL != "" {
		if err := c.Navigate(ctx, creds.URL); err != nil {
			return err
		}
	}

	page := c.page.Context(ctx).Timeout(c.cfg.NavigationTimeout())

	user, err := page.Element(creds.UsernameSelector)
	if err != nil {
		return fmt.Errorf("username field %q: %w", creds.UsernameSelector, err)
	}
	if err := user.Input(creds.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}

	pass, err := page.Element(creds.PasswordSelector)
	if err != nil {
		return fmt.Errorf("password field %q: %w", creds.PasswordSelector, err)
	}
	if err := pass.Input(creds.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	submit, err := page.Element(creds.SubmitSelector)
	if err != nil {
		return fmt.Errorf("submit button %q: %w", creds.SubmitSelector, err)
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}

	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait post-login load: %w", err)
	}
	_ = page.WaitIdle(3 * time.Second)

	if creds.SuccessSelector != "" {
		if _, err := page.Element(creds.SuccessSelector); err != nil {
			return fmt.Errorf("login verification failed, %q not found: %w", creds.SuccessSelector, err)
		}
	}
	logging.Browser("login succeeded for %s", c.domain)
	return nil
}

// Screenshot captures the page and writes it under the configured directory.
// Returns the file path.
func (c *Context) Screenshot(ctx context.Context, fullPage bool) (string, error) {
	dir := c.cfg.ScreenshotDir
	if dir == "" {
		dir = "screenshots"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("screenshot dir: %w", err)
	}

	data, err := c.page.Context(ctx).Screenshot(fullPage, nil)
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.png", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8]))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// HTML returns the current page markup.
func (c *Context) HTML(ctx context.Context) (string, error) {
	html, err := c.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("page html: %w", err)
	}
	return html, nil
}

// Domain returns the host of the last navigated URL.
func (c *Context) Domain() string {
	return c.domain
}

// Close tears down the execution's page. Errors are logged, never returned;
// teardown must not mask an execution outcome.
func (c *Context) Close() {
	if c.page == nil {
		return
	}
	if err := c.page.Close(); err != nil {
		logging.BrowserDebug("close page: %v", err)
	}
	c.page = nil
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"
)

// Config configures the rod capturer.
type Config struct {
	// BrowserBin is the Chrome/Chromium executable. Empty means look it up.
	BrowserBin string

	// RemoteURL is the DevTools WebSocket URL of an external Chrome. When set,
	// each capture runs in its own incognito context of that browser instead
	// of a freshly launched process.
	RemoteURL string

	// Stealth applies go-rod/stealth evasions to every page.
	Stealth bool

	LoadTimeout     time.Duration
	SettleDelay     time.Duration
	SelectorTimeout time.Duration

	ViewportWidth  int
	ViewportHeight int
}

func (c *Config) defaults() {
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 30 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 5 * time.Second
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1366
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 768
	}
}

// RodCapturer implements Capturer with go-rod.
type RodCapturer struct {
	cfg Config
	log logrus.FieldLogger

	mu     sync.Mutex
	remote *rod.Browser // connected lazily when cfg.RemoteURL is set
}

// NewRodCapturer creates a capturer. No browser is started until the first capture.
func NewRodCapturer(cfg Config, logger logrus.FieldLogger) *RodCapturer {
	cfg.defaults()
	return &RodCapturer{
		cfg: cfg,
		log: logger.WithField("component", "capture"),
	}
}

// Close drops the connection to a remote browser. Launched browsers are
// already torn down after every capture.
func (c *RodCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = nil
	return nil
}

// Capture implements Capturer.
func (c *RodCapturer) Capture(ctx context.Context, url, selector string) (img []byte, err error) {
	log := c.log.WithFields(logrus.Fields{"url": url, "selector": selector})
	log.Debug("Starting capture")
	fail := func(reason Reason, err error) ([]byte, error) {
		return nil, &Error{Reason: reason, URL: url, Err: err}
	}

	// --- Browser Setup ---
	browser, release, err := c.session(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to open browser session")
		return fail(ReasonBrowser, err)
	}
	// The session is released on every path, including timeouts.
	defer release()

	var page *rod.Page
	if c.cfg.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return fail(ReasonBrowser, fmt.Errorf("failed to create page: %w", err))
	}

	// --- Navigation ---
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()
	p := page.Context(loadCtx)

	err = p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             c.cfg.ViewportWidth,
		Height:            c.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return fail(ReasonBrowser, fmt.Errorf("failed to set viewport: %w", err))
	}

	if err = p.Navigate(url); err != nil {
		reason := classifyNavigation(loadCtx, err)
		log.WithError(err).WithField("reason", reason).Warn("Navigation failed")
		return fail(reason, err)
	}
	if err = p.WaitLoad(); err != nil {
		reason := classifyNavigation(loadCtx, err)
		log.WithError(err).WithField("reason", reason).Warn("Failed waiting for page load")
		return fail(reason, err)
	}
	if status := responseStatus(p); deniedStatus(status) {
		return fail(ReasonDenied, fmt.Errorf("page answered with HTTP %d", status))
	}

	// Give scripts a moment to render dynamic content.
	if c.cfg.SettleDelay > 0 {
		select {
		case <-time.After(c.cfg.SettleDelay):
		case <-ctx.Done():
			return fail(ReasonTimeout, ctx.Err())
		}
	}

	// --- Screenshot ---
	if selector == "" {
		img, err = page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return fail(screenshotReason(ctx, err), fmt.Errorf("failed to capture viewport: %w", err))
		}
		log.WithField("bytes", len(img)).Debug("Viewport captured")
		return img, nil
	}

	selCtx, selCancel := context.WithTimeout(ctx, c.cfg.SelectorTimeout)
	defer selCancel()
	el, err := page.Context(selCtx).Element(selector)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ReasonTimeout, err)
		}
		return fail(ReasonSelectorNotFound, err)
	}
	img, err = el.Context(ctx).Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return fail(screenshotReason(ctx, err), fmt.Errorf("failed to capture element: %w", err))
	}
	log.WithField("bytes", len(img)).Debug("Element captured")
	return img, nil
}

// session returns an isolated browser and the function that tears it down.
func (c *RodCapturer) session(ctx context.Context) (*rod.Browser, func(), error) {
	if c.cfg.RemoteURL != "" {
		return c.remoteSession(ctx)
	}

	bin := c.cfg.BrowserBin
	if bin == "" {
		path, exists := launcher.LookPath()
		if !exists {
			return nil, nil, fmt.Errorf("%w: cannot find browser executable", ErrBrowserUnavailable)
		}
		bin = path
	}

	l := launcher.New().
		Context(ctx).
		Bin(bin).
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage")
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, nil, fmt.Errorf("%w: launch: %v", ErrBrowserUnavailable, err)
	}

	browser := rod.New().ControlURL(u).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, nil, fmt.Errorf("%w: connect: %v", ErrBrowserUnavailable, err)
	}

	release := func() {
		// The capture context may already be cancelled; close on a fresh one.
		if err := browser.Context(context.Background()).Close(); err != nil {
			c.log.WithError(err).Debug("Error closing rod browser instance")
		}
		l.Kill()
		l.Cleanup()
		c.log.Debug("Rod browser instance closed")
	}
	return browser, release, nil
}

func (c *RodCapturer) remoteSession(ctx context.Context) (*rod.Browser, func(), error) {
	c.mu.Lock()
	root := c.remote
	if root == nil {
		b := rod.New().ControlURL(c.cfg.RemoteURL).Context(ctx)
		if err := b.Connect(); err != nil {
			c.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: connect %s: %v", ErrBrowserUnavailable, c.cfg.RemoteURL, err)
		}
		// Detach from the capture context; the connection outlives it.
		root = b.Context(context.Background())
		c.remote = root
	}
	c.mu.Unlock()

	incognito, err := root.Incognito()
	if err != nil {
		// The remote browser probably went away; reconnect next time.
		c.mu.Lock()
		if c.remote == root {
			c.remote = nil
		}
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: open incognito context: %v", ErrBrowserUnavailable, err)
	}

	release := func() {
		if err := incognito.Close(); err != nil {
			c.log.WithError(err).Debug("Error disposing incognito context")
		}
	}
	return incognito.Context(ctx), release, nil
}

// responseStatus returns the HTTP status of the main document, or 0 when
// the browser does not expose it.
func responseStatus(p *rod.Page) int {
	res, err := p.Eval(`() => {
		const nav = performance.getEntriesByType('navigation')[0];
		return nav && nav.responseStatus ? nav.responseStatus : 0;
	}`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

func screenshotReason(ctx context.Context, err error) Reason {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return ReasonTimeout
	}
	return ReasonBrowser
}

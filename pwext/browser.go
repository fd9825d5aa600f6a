// Package pwext drives Chromium through Playwright as an alternative to the
// CDP client, for environments where Playwright manages the browsers.
package pwext

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/grafana/cchrome/common"
	"github.com/grafana/cchrome/log"
)

// Browser is a Chromium browser driven by a Playwright driver.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *common.LaunchOptions
	logger  *log.Logger

	closeOnce sync.Once
	closeErr  error
}

func run(install bool) (*playwright.Playwright, error) {
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("installing playwright: %w", err)
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("starting playwright: %w", err)
	}
	return pw, nil
}

// Launch starts the Playwright driver, installing it and its Chromium when
// install is true, and launches a browser with opts.
func Launch(opts *common.LaunchOptions, install bool, logger *log.Logger) (*Browser, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	pw, err := run(install)
	if err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args,
		Timeout:  playwright.Float(float64(opts.Timeout.Milliseconds())),
	}
	if opts.ExecutablePath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.ExecutablePath)
	}
	logger.Debugf("pwext:Launch", "headless:%t executable:%q", opts.Headless, opts.ExecutablePath)

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	return &Browser{pw: pw, browser: browser, opts: opts, logger: logger}, nil
}

// Connect attaches the Playwright driver to a running browser at its CDP
// endpoint.
func Connect(wsURL string, opts *common.LaunchOptions, logger *log.Logger) (*Browser, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	pw, err := run(false)
	if err != nil {
		return nil, err
	}

	browser, err := pw.Chromium.ConnectOverCDP(wsURL, playwright.BrowserTypeConnectOverCDPOptions{
		Timeout: playwright.Float(float64(opts.Timeout.Milliseconds())),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("connecting to browser at %q: %w", wsURL, err)
	}
	logger.Debugf("pwext:Connect", "wsURL:%q", wsURL)

	return &Browser{pw: pw, browser: browser, opts: opts, logger: logger}, nil
}

// NewSession opens a page.
func (b *Browser) NewSession() (*Session, error) {
	page, err := b.browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}

	return newSession(page, b.opts.NavigationTimeout, b.logger), nil
}

// Version returns the browser version.
func (b *Browser) Version() string {
	return b.browser.Version()
}

// Close closes the browser and stops the Playwright driver.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		var errs []error
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing browser: %w", err))
		}
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping playwright: %w", err))
		}
		b.closeErr = errors.Join(errs...)
	})

	return b.closeErr
}

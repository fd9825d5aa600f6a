// Package chromium is responsible for launching a Chrome browser process,
// or connecting to a running one, and opening the sessions that navigate
// its pages.
package chromium

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/cchrome/cdp"
	"github.com/grafana/cchrome/common"
	"github.com/grafana/cchrome/log"
	"github.com/grafana/cchrome/storage"
)

// Browser states.
const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

const closeTimeout = 5 * time.Second

// Browser is a Chromium browser controlled over CDP.
type Browser struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	state int64

	// browserProc is nil when connected to a browser cchrome didn't launch.
	browserProc *common.BrowserProcess
	launchOpts  *common.LaunchOptions

	cdpClient *cdp.Client

	sessionsMu sync.Mutex
	sessions   map[string]*Session

	logger *log.Logger
}

// Launch starts a local browser and connects to it. The browser process is
// killed when ctx is cancelled or the browser is closed.
func Launch(ctx context.Context, opts *common.LaunchOptions, logger *log.Logger) (*Browser, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	path, err := opts.LookupExecutable()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	var dataDir storage.Dir
	if err := dataDir.Make("", ""); err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	bctx, cancel := context.WithCancel(ctx)
	// kill the process if it doesn't come up in time.
	timer := time.AfterFunc(opts.Timeout, cancel)
	defer timer.Stop()

	logger.Debugf("Browser:Launch", "path:%q headless:%t", path, opts.Headless)
	proc, err := common.NewBrowserProcess(
		bctx, path, opts.BrowserArgs(dataDir.Dir), opts.Env, &dataDir, cancel, logger,
	)
	if err != nil {
		cancel()
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			err = fmt.Errorf("browser didn't start within %s: %w", opts.Timeout, context.DeadlineExceeded)
		}
		if cerr := dataDir.Cleanup(); cerr != nil {
			logger.Errorf("Browser:Launch", "%v", cerr)
		}
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	b := newBrowser(bctx, cancel, proc, opts, logger)
	if err := b.connect(proc.WsURL()); err != nil {
		proc.Terminate()
		return nil, err
	}

	go func() {
		<-b.cdpClient.Done()
		proc.DidLoseConnection()
	}()

	return b, nil
}

// Connect connects to a running browser at its DevTools WebSocket URL.
// Closing the Browser disconnects from it but leaves the browser running.
func Connect(ctx context.Context, wsURL string, opts *common.LaunchOptions, logger *log.Logger) (*Browser, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	bctx, cancel := context.WithCancel(ctx)
	b := newBrowser(bctx, cancel, nil, opts, logger)
	if err := b.connect(wsURL); err != nil {
		cancel()
		return nil, err
	}

	return b, nil
}

func newBrowser(
	ctx context.Context,
	cancelFn context.CancelFunc,
	browserProc *common.BrowserProcess,
	launchOpts *common.LaunchOptions,
	logger *log.Logger,
) *Browser {
	return &Browser{
		ctx:         ctx,
		cancelFn:    cancelFn,
		state:       BrowserStateOpen,
		browserProc: browserProc,
		launchOpts:  launchOpts,
		cdpClient:   cdp.NewClient(ctx, logger),
		sessions:    make(map[string]*Session),
		logger:      logger,
	}
}

func (b *Browser) connect(wsURL string) error {
	b.logger.Debugf("Browser:connect", "wsURL:%q", wsURL)
	if err := b.cdpClient.Connect(wsURL); err != nil {
		return fmt.Errorf("connecting to browser DevTools URL: %w", err)
	}

	return nil
}

// NewSession opens a blank page and attaches a session to it.
func (b *Browser) NewSession(ctx context.Context) (*Session, error) {
	if atomic.LoadInt64(&b.state) != BrowserStateOpen {
		return nil, fmt.Errorf("opening session: %w", cdp.ErrConnectionClosed)
	}

	tid, err := b.cdpClient.Target.CreateTarget(ctx, "about:blank")
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	sid, err := b.cdpClient.Target.AttachToTarget(ctx, tid)
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	if err := b.cdpClient.Page.Enable(cdp.WithSessionID(ctx, sid)); err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}

	s := &Session{
		browser:           b,
		targetID:          tid,
		sessionID:         sid,
		navigationTimeout: b.launchOpts.NavigationTimeout,
		logger:            b.logger,
	}
	b.sessionsMu.Lock()
	b.sessions[tid] = s
	b.sessionsMu.Unlock()

	b.logger.Debugf("Browser:NewSession", "tid:%v sid:%v", tid, sid)

	return s, nil
}

func (b *Browser) forgetSession(tid string) {
	b.sessionsMu.Lock()
	defer b.sessionsMu.Unlock()

	delete(b.sessions, tid)
}

// Close closes the sessions, disconnects and shuts down a launched browser.
func (b *Browser) Close() error {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		// If we're already in a closing state then no need to continue.
		b.logger.Debugf("Browser:Close", "already in a closing state")
		return nil
	}
	defer atomic.StoreInt64(&b.state, BrowserStateClosed)
	b.logger.Debugf("Browser:Close", "")

	ctx, cancel := context.WithTimeout(b.ctx, closeTimeout)
	defer cancel()

	b.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessionsMu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil && !errors.Is(err, cdp.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}

	if b.browserProc == nil {
		_ = b.cdpClient.Close()
		b.cancelFn()
		return errors.Join(errs...)
	}

	b.browserProc.GracefulClose()
	if err := b.cdpClient.Browser.Close(ctx); err != nil && !errors.Is(err, cdp.ErrConnectionClosed) {
		b.logger.Debugf("Browser:Close", "closing the browser: %v", err)
	}
	_ = b.cdpClient.Close()
	b.browserProc.Terminate()

	select {
	case <-b.browserProc.Done():
	case <-time.After(closeTimeout):
		errs = append(errs, fmt.Errorf("browser process %d didn't exit within %s", b.browserProc.Pid(), closeTimeout))
	}

	return errors.Join(errs...)
}

// IsConnected returns whether the WebSocket connection to the browser is
// active or not.
func (b *Browser) IsConnected() bool {
	return b.cdpClient.Err() == nil
}

// Version returns the controlled browser's version.
func (b *Browser) Version(ctx context.Context) (string, error) {
	_, product, _, _, _, err := b.cdpClient.Browser.GetVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("getting browser version: %w", err)
	}

	i := strings.Index(product, "/")
	if i == -1 {
		return product, nil
	}
	return product[i+1:], nil
}

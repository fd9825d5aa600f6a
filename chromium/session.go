package chromium

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grafana/cchrome/api"
	"github.com/grafana/cchrome/cdp"
	"github.com/grafana/cchrome/common"
	"github.com/grafana/cchrome/log"
)

var _ api.Session = &Session{}

// NavigationPayload is what a successful navigation returns.
type NavigationPayload struct {
	URL      string `json:"url" yaml:"url"`
	FrameID  string `json:"frameId" yaml:"frameId"`
	LoaderID string `json:"loaderId" yaml:"loaderId"`
}

// Session is a page of the browser attached over a flat CDP session.
type Session struct {
	browser           *Browser
	targetID          string
	sessionID         string
	navigationTimeout time.Duration
	logger            *log.Logger
}

// Navigate navigates the page to url. It returns once the browser commits
// the navigation, after which the document may still be loading. A
// navigation taking longer than the navigation timeout is stopped and
// returns an error wrapping common.ErrNavigationTimeout.
func (s *Session) Navigate(ctx context.Context, url string) (any, error) {
	s.logger.Debugf("Session:Navigate", "tid:%v sid:%v url:%q timeout:%s", s.targetID, s.sessionID, url, s.navigationTimeout)

	sctx := cdp.WithSessionID(ctx, s.sessionID)
	nctx, cancel := context.WithTimeout(sctx, s.navigationTimeout)
	defer cancel()

	frameID, loaderID, err := s.browser.cdpClient.Page.Navigate(nctx, url)
	switch {
	case err == nil:
		return &NavigationPayload{URL: url, FrameID: frameID, LoaderID: loaderID}, nil
	case ctx.Err() != nil:
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		// the page timed out on its own, the caller may still have time
		// for another attempt.
		if serr := s.browser.cdpClient.Page.StopLoading(sctx); serr != nil {
			s.logger.Debugf("Session:Navigate", "tid:%v stopping page loading: %v", s.targetID, serr)
		}
		return nil, fmt.Errorf("navigating to %q within %s: %w", url, s.navigationTimeout, common.ErrNavigationTimeout)
	default:
		return nil, err
	}
}

// Evaluate evaluates expression in the page. While a navigation replaces
// the document the result is nil.
func (s *Session) Evaluate(ctx context.Context, expression string) (any, error) {
	v, err := s.browser.cdpClient.Runtime.Evaluate(cdp.WithSessionID(ctx, s.sessionID), expression)
	if common.IsExecutionContextDestroyed(err) && ctx.Err() == nil {
		s.logger.Tracef("Session:Evaluate", "tid:%v pending document: %v", s.targetID, err)
		return nil, nil
	}

	return v, err
}

// NavigationTimeout returns the per-navigation timeout of the session.
func (s *Session) NavigationTimeout() time.Duration {
	return s.navigationTimeout
}

// SetNavigationTimeout changes the per-navigation timeout of the session.
func (s *Session) SetNavigationTimeout(d time.Duration) {
	s.navigationTimeout = d
}

// TargetID returns the ID of the page target.
func (s *Session) TargetID() string {
	return s.targetID
}

// Close closes the page.
func (s *Session) Close(ctx context.Context) error {
	defer s.browser.forgetSession(s.targetID)

	if err := s.browser.cdpClient.Target.CloseTarget(ctx, s.targetID); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

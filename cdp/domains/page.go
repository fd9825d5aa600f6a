package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
)

// Page exposes the CDP Page domain actions used to navigate.
type Page interface {
	Enable(context.Context) error
	Navigate(ctx context.Context, url string) (frameID, loaderID string, err error)
	StopLoading(context.Context) error
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page CDP domain: %w", err)
	}

	return nil
}

// Navigate returns once the browser committed the navigation, not when the
// document finished loading. Navigations the browser reports as failed,
// like an unresolvable host, return a *NavigationError.
func (p *page) Navigate(ctx context.Context, url string) (string, string, error) {
	action := cdpp.Navigate(url)

	frameID, loaderID, errorText, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return "", "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return frameID.String(), loaderID.String(), &NavigationError{URL: url, Text: errorText}
	}

	return frameID.String(), loaderID.String(), nil
}

func (p *page) StopLoading(ctx context.Context) error {
	action := cdpp.StopLoading()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("stopping page loading: %w", err)
	}

	return nil
}

// NavigationError is a navigation the browser refused or failed.
type NavigationError struct {
	URL  string
	Text string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigating to %q: %s", e.URL, e.Text)
}

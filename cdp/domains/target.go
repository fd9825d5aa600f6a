package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions used to manage pages.
type Target interface {
	CreateTarget(ctx context.Context, url string) (id string, err error)
	AttachToTarget(ctx context.Context, id string) (sessionID string, err error)
	CloseTarget(ctx context.Context, id string) error
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

func (t *target) CreateTarget(ctx context.Context, url string) (string, error) {
	action := cdpt.CreateTarget(url)
	id, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating target: %w", err)
	}

	return string(id), nil
}

// AttachToTarget attaches to the target in flat mode, the returned session
// ID routes commands to it.
func (t *target) AttachToTarget(ctx context.Context, id string) (string, error) {
	action := cdpt.AttachToTarget(cdpt.ID(id)).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("attaching to target %q: %w", id, err)
	}

	return string(sid), nil
}

func (t *target) CloseTarget(ctx context.Context, id string) error {
	// The reply carries a deprecated success flag, which is not needed.
	err := t.exec.Execute(ctx, cdpt.CommandCloseTarget, cdpt.CloseTarget(cdpt.ID(id)), nil)
	if err != nil {
		return fmt.Errorf("closing target %q: %w", id, err)
	}

	return nil
}

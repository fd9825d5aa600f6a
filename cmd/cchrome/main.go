// Command cchrome navigates a Chromium page and waits until the document is
// complete, retrying the navigation within an overall time budget.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newGlobalState(ctx).execute()
	stop()
	os.Exit(code)
}

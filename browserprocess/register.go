// Package browserprocess keeps track of the browser processes launched by
// cchrome so that they can be killed when it has to shut down abruptly.
package browserprocess

import (
	"context"
	"os"
	"sync"

	"github.com/grafana/cchrome/log"
)

type processState struct {
	pid   int
	runID string
}

var (
	browserProcessRegister   = map[int]*processState{} //nolint:gochecknoglobals
	browserProcessRegisterMu = sync.Mutex{}            //nolint:gochecknoglobals
)

// Register records a launched browser process under the run ID of ctx.
func Register(ctx context.Context, logger *log.Logger, pid int) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	logger.Debugf("BrowserProcess:Register", "registered BrowserProcess pid %d", pid)

	browserProcessRegister[pid] = &processState{pid: pid, runID: GetRunID(ctx)}
}

// Unregister forgets a browser process that exited on its own.
func Unregister(pid int) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	delete(browserProcessRegister, pid)
}

// Registered returns the PIDs registered under the run ID of ctx, or all of
// them if ctx has no run ID.
func Registered(ctx context.Context) []int {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	rID := GetRunID(ctx)
	pids := make([]int, 0, len(browserProcessRegister))
	for pid, st := range browserProcessRegister {
		if rID != "" && st.runID != rID {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// ForceProcessShutdown should be called when cchrome is having to shut down
// due to an interrupt or an internal error (and therefore a panic). It kills
// the processes of the run ID of ctx, or all of them without one.
func ForceProcessShutdown(ctx context.Context) {
	for _, pid := range Registered(ctx) {
		Kill(pid)
		Unregister(pid)
	}
}

// Kill will look for and kill the process with the given pid. It is a
// variable so that tests don't kill real processes.
var Kill = func(pid int) { //nolint:gochecknoglobals
	p, err := os.FindProcess(pid)
	if err != nil {
		// optimistically continue and don't kill the process
		return
	}
	// no need to check the errors since we're already dying.
	_ = p.Kill()
	_ = p.Release()
}

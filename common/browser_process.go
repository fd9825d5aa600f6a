/*
 *
 * cchrome - complete page navigation for remote Chromium sessions
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */


package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/grafana/cchrome/browserprocess"
	"github.com/grafana/cchrome/log"
	"github.com/grafana/cchrome/storage"
)

// BrowserProcess is a locally launched Chromium process.
type BrowserProcess struct {
	ctx    context.Context
	cancel context.CancelFunc

	// The process of the browser, if running locally.
	process *os.Process

	// Channels for managing termination.
	lostConnection             chan struct{}
	processIsGracefullyClosing chan struct{}
	processDone                chan struct{}

	// Browser's WebSocket URL to speak CDP
	wsURL string

	// The directory where user data for the browser is stored.
	userDataDir *storage.Dir

	logger *log.Logger
}

// NewBrowserProcess starts the browser at path and waits for it to print
// its DevTools WebSocket URL. Cancelling ctx kills the process.
func NewBrowserProcess(
	ctx context.Context, path string, args, env []string, dataDir *storage.Dir,
	ctxCancel context.CancelFunc, logger *log.Logger,
) (*BrowserProcess, error) {
	cmd, err := execute(ctx, path, args, env, dataDir, logger)
	if err != nil {
		return nil, err
	}

	wsURL, err := parseDevToolsURL(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("getting DevTools URL: %w", err)
	}

	browserprocess.Register(ctx, logger, cmd.Process.Pid)

	p := BrowserProcess{
		ctx:                        ctx,
		cancel:                     ctxCancel,
		process:                    cmd.Process,
		lostConnection:             make(chan struct{}),
		processIsGracefullyClosing: make(chan struct{}),
		processDone:                cmd.done,
		wsURL:                      wsURL,
		userDataDir:                dataDir,
		logger:                     logger,
	}

	go func() {
		// If we lose connection to the browser and we're not in-progress with clean
		// browser-initiated termination then cancel the context to clean up.
		select {
		case <-p.lostConnection:
		case <-ctx.Done():
		}

		select {
		case <-p.processIsGracefullyClosing:
		default:
			p.cancel()
		}
	}()

	return &p, nil
}

// DidLoseConnection marks the CDP connection to the browser as lost, which
// terminates the process unless it is already closing gracefully.
func (p *BrowserProcess) DidLoseConnection() {
	select {
	case <-p.lostConnection:
	default:
		close(p.lostConnection)
	}
}

// IsConnected reports whether the CDP connection is still up.
func (p *BrowserProcess) IsConnected() bool {
	select {
	case <-p.lostConnection:
		return false
	default:
		return true
	}
}

// GracefulClose triggers a graceful closing of the browser process.
func (p *BrowserProcess) GracefulClose() {
	p.logger.Debugf("BrowserProcess:GracefulClose", "pid:%d", p.Pid())
	select {
	case <-p.processIsGracefullyClosing:
	default:
		close(p.processIsGracefullyClosing)
	}
}

// Terminate triggers the termination of the browser process.
func (p *BrowserProcess) Terminate() {
	p.logger.Debugf("BrowserProcess:Terminate", "pid:%d", p.Pid())
	p.cancel()
}

// Done is closed once the process exited and its data directory was removed.
func (p *BrowserProcess) Done() <-chan struct{} {
	return p.processDone
}

// WsURL returns the Websocket URL that the browser is listening on for CDP clients.
func (p *BrowserProcess) WsURL() string {
	return p.wsURL
}

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int {
	return p.process.Pid
}

var errBrowserProcessEnded = errors.New("browser process ended unexpectedly")

type command struct {
	*exec.Cmd
	done   chan struct{}
	stderr io.Reader
}

func execute(
	ctx context.Context, path string, args, env []string, dataDir *storage.Dir,
	logger *log.Logger,
) (command, error) {
	cmd := exec.CommandContext(ctx, path, args...)

	// Set up environment variable for process
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return command{}, fmt.Errorf("%w", err)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	if os.IsNotExist(err) {
		return command{}, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return command{}, fmt.Errorf("%w", err)
	}
	if ctx.Err() != nil {
		return command{}, fmt.Errorf("%w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			browserprocess.Unregister(cmd.Process.Pid)
			if err := dataDir.Cleanup(); err != nil {
				logger.Errorf("browser", "cleaning up the user data directory: %v", err)
			}
			close(done)
		}()

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Errorf("browser",
				"process with PID %d unexpectedly ended: %v",
				cmd.Process.Pid, err)
		}
	}()

	return command{Cmd: cmd, done: done, stderr: stderr}, nil
}

// parseDevToolsURL grabs the WebSocket address from Chrome's output and
// returns it. If the process ends abruptly, it will return the first error
// from stderr.
func parseDevToolsURL(ctx context.Context, cmd command) (string, error) {
	type result struct {
		devToolsURL string
		err         error
	}
	parsed := make(chan result)
	go func() {
		const prefix = "DevTools listening on "

		var (
			scanner = bufio.NewScanner(cmd.stderr)
			r       result
		)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if strings.HasPrefix(line, prefix) {
				r.devToolsURL = strings.TrimPrefix(line, prefix)
				break
			}
			if r.err == nil && strings.Contains(line, ":ERROR:") {
				if i := strings.Index(line, "] "); i > 0 {
					r.err = errors.New(line[i+2:])
				}
			}
		}
		if err := scanner.Err(); err != nil && r.err == nil {
			r.err = err
		}
		switch {
		case r.devToolsURL != "":
			r.err = nil
		case r.err == nil:
			r.err = errBrowserProcessEnded
		}
		select {
		case parsed <- r:
		case <-ctx.Done():
		case <-cmd.done:
		}
		if r.devToolsURL != "" {
			// keep the browser from blocking on a full stderr pipe.
			_, _ = io.Copy(io.Discard, cmd.stderr)
		}
	}()

	select {
	case r := <-parsed:
		return r.devToolsURL, r.err
	case <-cmd.done:
		return "", errBrowserProcessEnded
	case <-ctx.Done():
		return "", fmt.Errorf("%w", ctx.Err())
	}
}

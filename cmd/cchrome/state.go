package main

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/grafana/cchrome/browserprocess"
	"github.com/grafana/cchrome/common"
)

// globalState holds what the commands share, so that tests can run them
// with their own outputs and configuration.
type globalState struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
	logger *logrus.Logger

	cfg    config
	cfgErr error

	okColor   *color.Color
	failColor *color.Color
}

func newGlobalState(ctx context.Context) *globalState {
	ctx = browserprocess.WithRunID(ctx, strconv.Itoa(os.Getpid()))
	cfg, err := loadConfig()

	return &globalState{
		ctx:    ctx,
		stdout: color.Output,
		stderr: color.Error,
		logger: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
		cfg:       cfg,
		cfgErr:    err,
		okColor:   color.New(color.FgGreen),
		failColor: color.New(color.FgRed, color.Bold),
	}
}

// execute runs the root command and returns the process exit code. Browsers
// left running by an interrupt or a panic are killed.
func (gs *globalState) execute(args ...string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			browserprocess.ForceProcessShutdown(gs.ctx)
			panic(r)
		}
	}()

	cmd := newRootCommand(gs)
	if args != nil {
		cmd.SetArgs(args)
	}
	err := cmd.ExecuteContext(gs.ctx)
	if gs.ctx.Err() != nil {
		browserprocess.ForceProcessShutdown(gs.ctx)
	}
	if err != nil {
		gs.logger.WithError(err).Debug("command failed")
		var completionErr *common.CompletionTimeoutError
		if !errors.As(err, &completionErr) {
			// completion timeouts are already reported by navigate.
			_, _ = gs.failColor.Fprintf(gs.stderr, "error: %v\n", err)
		}
		return exitCode(err)
	}

	return 0
}

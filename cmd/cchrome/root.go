package main

import (
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/cchrome/log"
)

func newRootCommand(gs *globalState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cchrome",
		Short: "complete page navigation for Chromium",
		Long: "Navigate Chromium pages and wait until their documents are complete,\n" +
			"renavigating within an overall budget derived from the navigation timeout.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return gs.setupOutput()
		},
	}
	cmd.SetOut(gs.stdout)
	cmd.SetErr(gs.stderr)
	cmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))

	cmd.AddCommand(
		getCmdNavigate(gs),
		getCmdVersion(gs),
	)

	return cmd
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringVar(&gs.cfg.LogLevel, "log-level", gs.cfg.LogLevel, "log level: trace, debug, info, warn or error")
	flags.StringVar(&gs.cfg.LogFormat, "log-format", gs.cfg.LogFormat, "log format: text or json")
	flags.StringVar(&gs.cfg.LogCategoryFilter, "log-category-filter", gs.cfg.LogCategoryFilter,
		"only log the categories matching this regular expression")
	flags.BoolVar(&gs.cfg.NoColor, "no-color", gs.cfg.NoColor, "disable colored output")

	return flags
}

func (gs *globalState) setupOutput() error {
	if gs.cfgErr != nil {
		return gs.cfgErr
	}

	switch gs.cfg.LogFormat {
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		gs.logger.SetFormatter(&logrus.TextFormatter{DisableColors: gs.cfg.NoColor})
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", gs.cfg.LogFormat)
	}
	gs.logger.SetOutput(gs.stderr)

	if gs.cfg.NoColor {
		gs.okColor.DisableColor()
		gs.failColor.DisableColor()
	}

	return nil
}

// newLogger returns the category logger of the commands.
func (gs *globalState) newLogger() (*log.Logger, error) {
	var filter *regexp.Regexp
	if gs.cfg.LogCategoryFilter != "" {
		var err error
		if filter, err = regexp.Compile(gs.cfg.LogCategoryFilter); err != nil {
			return nil, fmt.Errorf("invalid log category filter %q: %w", gs.cfg.LogCategoryFilter, err)
		}
	}
	logger := log.New(gs.logger, false, filter)
	if err := logger.SetLevel(gs.cfg.LogLevel); err != nil {
		return nil, err
	}

	return logger, nil
}

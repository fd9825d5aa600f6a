package main

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "v0.1.0-dev" //nolint:gochecknoglobals

func versionDetails() map[string]string {
	return map[string]string{
		"version":    version,
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
	}
}

func getCmdVersion(gs *globalState) *cobra.Command {
	var isJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Long:  `Show the application version and exit.`,
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if !isJSON {
				_, err := fmt.Fprintf(gs.stdout, "cchrome %s (%s, %s/%s)\n",
					version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
				return err
			}

			details, err := json.Marshal(versionDetails())
			if err != nil {
				return fmt.Errorf("failed produce a JSON version details: %w", err)
			}
			_, err = fmt.Fprintln(gs.stdout, string(details))
			return err
		},
	}

	cmd.Flags().BoolVar(&isJSON, "json", false, "if set, output version information will be in JSON format")

	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/grafana/cchrome/common"
)

const envPrefix = "cchrome"

// Backends.
const (
	backendCDP        = "cdp"
	backendPlaywright = "playwright"
)

// config is read from CCHROME_* environment variables first, then from the
// command line flags, which take precedence.
type config struct {
	Backend           string        `envconfig:"BACKEND"`
	WSURL             string        `envconfig:"WS_URL"`
	Executable        string        `envconfig:"EXECUTABLE"`
	Headless          bool          `envconfig:"HEADLESS"`
	BrowserArgs       []string      `envconfig:"BROWSER_ARGS"`
	LaunchTimeout     time.Duration `envconfig:"LAUNCH_TIMEOUT"`
	PlaywrightInstall bool          `envconfig:"PLAYWRIGHT_INSTALL"`

	NavigationTimeout time.Duration `envconfig:"NAVIGATION_TIMEOUT"`
	Multiplier        float64       `envconfig:"MULTIPLIER"`
	ConfirmTimeout    time.Duration `envconfig:"CONFIRM_TIMEOUT"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL"`
	MinAttemptSpacing time.Duration `envconfig:"MIN_ATTEMPT_SPACING"`

	Report      string `envconfig:"REPORT"`
	MetricsFile string `envconfig:"METRICS_FILE"`

	OTelProtocol string `envconfig:"OTEL_PROTOCOL"`
	OTelEndpoint string `envconfig:"OTEL_ENDPOINT"`
	OTelInsecure bool   `envconfig:"OTEL_INSECURE"`

	LogLevel          string `envconfig:"LOG_LEVEL"`
	LogFormat         string `envconfig:"LOG_FORMAT"`
	LogCategoryFilter string `envconfig:"LOG_CATEGORY_FILTER"`
	NoColor           bool   `envconfig:"NO_COLOR"`
}

func defaultConfig() config {
	launch := common.NewLaunchOptions()
	nav := common.NewNavigationOptions()

	return config{
		Backend:           backendCDP,
		Headless:          launch.Headless,
		LaunchTimeout:     launch.Timeout,
		NavigationTimeout: launch.NavigationTimeout,
		Multiplier:        nav.Multiplier,
		ConfirmTimeout:    nav.ConfirmTimeout,
		PollInterval:      nav.PollInterval,
		MinAttemptSpacing: nav.MinAttemptSpacing,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// loadConfig returns the defaults overridden by the environment. Variables
// that aren't set keep their default.
func loadConfig() (config, error) {
	c := defaultConfig()
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return c, fmt.Errorf("reading the environment: %w", err)
	}
	return c, nil
}

func (c config) validate() error {
	switch c.Backend {
	case backendCDP, backendPlaywright:
	default:
		return fmt.Errorf("invalid backend %q, must be %q or %q", c.Backend, backendCDP, backendPlaywright)
	}
	switch c.OTelProtocol {
	case "", "http", "grpc":
	default:
		return fmt.Errorf("invalid OpenTelemetry protocol %q, must be http or grpc", c.OTelProtocol)
	}
	if c.OTelProtocol != "" && c.OTelEndpoint == "" {
		return fmt.Errorf("an OpenTelemetry endpoint is required with the %s protocol", c.OTelProtocol)
	}

	// The navigation options are known up front, reject them before a
	// browser is launched or connected to.
	if err := c.navigationOptions().Validate(); err != nil {
		return err
	}
	if _, err := common.NewBudget(c.NavigationTimeout, c.Multiplier, c.ConfirmTimeout); err != nil {
		return err
	}

	return nil
}

func (c config) launchOptions() *common.LaunchOptions {
	opts := common.NewLaunchOptions()
	opts.ExecutablePath = c.Executable
	opts.Headless = c.Headless
	opts.Args = c.BrowserArgs
	opts.Timeout = c.LaunchTimeout
	opts.NavigationTimeout = c.NavigationTimeout

	return opts
}

func (c config) navigationOptions() *common.NavigationOptions {
	return &common.NavigationOptions{
		Multiplier:        c.Multiplier,
		ConfirmTimeout:    c.ConfirmTimeout,
		PollInterval:      c.PollInterval,
		MinAttemptSpacing: c.MinAttemptSpacing,
	}
}

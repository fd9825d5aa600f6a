package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/cchrome/api"
	"github.com/grafana/cchrome/chromium"
	"github.com/grafana/cchrome/common"
	"github.com/grafana/cchrome/log"
	"github.com/grafana/cchrome/metrics"
	"github.com/grafana/cchrome/otel"
	"github.com/grafana/cchrome/pwext"
	"github.com/grafana/cchrome/storage"
	"github.com/grafana/cchrome/trace"
)

const shutdownTimeout = 5 * time.Second

// Exit codes.
const (
	exitErr               = 1
	exitInvalidConfig     = 2
	exitCompletionTimeout = 3
)

func exitCode(err error) int {
	var (
		cfgErr        *common.ConfigurationError
		completionErr *common.CompletionTimeoutError
	)
	switch {
	case errors.As(err, &cfgErr):
		return exitInvalidConfig
	case errors.As(err, &completionErr):
		return exitCompletionTimeout
	default:
		return exitErr
	}
}

type cmdNavigate struct {
	gs *globalState
}

func getCmdNavigate(gs *globalState) *cobra.Command {
	c := &cmdNavigate{gs: gs}

	cmd := &cobra.Command{
		Use:   "navigate <url>",
		Short: "Navigate to a URL and wait until the document is complete",
		Long: `Navigate to a URL and wait until document.readyState is "complete".

Navigations that exceed the navigation timeout are retried, as are documents
that don't complete within the confirm timeout, until the overall budget of
navigation timeout x multiplier runs out.`,
		Example: `  cchrome navigate https://example.com
  cchrome navigate --navigation-timeout 5s --multiplier 6 --report report.yaml https://example.com
  CCHROME_WS_URL=ws://127.0.0.1:9222/devtools/browser/... cchrome navigate https://example.com`,
		Args: cobra.ExactArgs(1),
		RunE: c.run,
	}
	cmd.Flags().SortFlags = false
	cmd.Flags().AddFlagSet(c.flagSet())

	return cmd
}

func (c *cmdNavigate) flagSet() *pflag.FlagSet {
	cfg := &c.gs.cfg
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false

	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "browser driver: cdp or playwright")
	flags.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "DevTools WebSocket URL of a running browser, launches one if empty")
	flags.StringVar(&cfg.Executable, "executable", cfg.Executable, "browser executable, looked up in PATH if empty")
	flags.BoolVar(&cfg.Headless, "headless", cfg.Headless, "run the launched browser headless")
	flags.StringSliceVar(&cfg.BrowserArgs, "browser-arg", cfg.BrowserArgs, "extra command line flag of the launched browser")
	flags.DurationVar(&cfg.LaunchTimeout, "launch-timeout", cfg.LaunchTimeout, "timeout to launch or connect to the browser")
	flags.BoolVar(&cfg.PlaywrightInstall, "playwright-install", cfg.PlaywrightInstall,
		"install the Playwright driver and its Chromium before launching")

	flags.DurationVar(&cfg.NavigationTimeout, "navigation-timeout", cfg.NavigationTimeout, "timeout of a single navigation")
	flags.Float64Var(&cfg.Multiplier, "multiplier", cfg.Multiplier, "overall budget as a multiple of the navigation timeout")
	flags.DurationVar(&cfg.ConfirmTimeout, "confirm-timeout", cfg.ConfirmTimeout,
		"time a navigated document has to complete before renavigating")
	flags.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "interval between readiness polls")
	flags.DurationVar(&cfg.MinAttemptSpacing, "min-attempt-spacing", cfg.MinAttemptSpacing,
		"minimum time between the starts of two navigation attempts")

	flags.StringVar(&cfg.Report, "report", cfg.Report, "write a JSON report to this file, YAML if it ends with .yaml or .yml")
	flags.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "write Prometheus metrics in text format to this file")

	flags.StringVar(&cfg.OTelProtocol, "otel-protocol", cfg.OTelProtocol, "export traces with OTLP over http or grpc")
	flags.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP endpoint to export traces to")
	flags.BoolVar(&cfg.OTelInsecure, "otel-insecure", cfg.OTelInsecure, "export traces without TLS")

	return flags
}

func (c *cmdNavigate) run(cmd *cobra.Command, args []string) (err error) {
	cfg := c.gs.cfg
	if err := cfg.validate(); err != nil {
		return err
	}
	logger, err := c.gs.newLogger()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	url := args[0]

	tp, err := newTraceProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := tp.Shutdown(sctx); serr != nil {
			logger.Warnf("cchrome", "shutting down the trace provider: %v", serr)
		}
	}()
	tracer := trace.NewTracer(c.gs.logger, tp, map[string]string{"cchrome.backend": cfg.Backend})

	reg := prometheus.NewRegistry()
	m := metrics.NewNavigation(reg)

	session, closeSession, err := openSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeSession(); cerr != nil {
			logger.Warnf("cchrome", "closing the browser: %v", cerr)
		}
	}()

	nav := common.NewNavigator(session, cfg.navigationOptions(), logger,
		common.WithTracer(tracer), common.WithMetrics(m))
	res, navErr := nav.Navigate(ctx, url)

	if cfg.Report != "" {
		r := newReport(cfg.Backend, url, res, navErr)
		if err := storage.WriteReport(ctx, &storage.LocalFilePersister{}, cfg.Report, r); err != nil {
			logger.Errorf("cchrome", "writing report: %v", err)
		}
	}
	if cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(cfg.MetricsFile, reg); err != nil {
			logger.Errorf("cchrome", "writing metrics: %v", err)
		}
	}

	return c.print(url, res, navErr)
}

func (c *cmdNavigate) print(url string, res *common.NavigationResult, err error) error {
	var completionErr *common.CompletionTimeoutError
	switch {
	case err == nil:
		_, werr := c.gs.okColor.Fprintf(c.gs.stdout, "%s is complete after %d attempt(s) in %s\n",
			url, res.Attempts, res.Elapsed.Round(time.Millisecond))
		return werr
	case errors.As(err, &completionErr):
		_, _ = c.gs.failColor.Fprintf(c.gs.stdout, "%s has failed to load completely.\n", url)
		return err
	default:
		return err
	}
}

func newReport(backend, url string, res *common.NavigationResult, err error) *storage.Report {
	r := &storage.Report{
		URL:        url,
		Backend:    backend,
		Succeeded:  err == nil,
		FinishedAt: time.Now(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	if res != nil {
		r.Attempts = res.Attempts
		r.Polls = res.Polls
		r.Elapsed = res.Elapsed
		r.Budget = res.Budget.Overall
		r.Payload = res.Payload
	}

	return r
}

func newTraceProvider(ctx context.Context, cfg config) (otel.TraceProvider, error) {
	if cfg.OTelProtocol == "" {
		return otel.NewNoopTraceProvider(), nil
	}
	tp, err := otel.NewTraceProvider(ctx, cfg.OTelProtocol, cfg.OTelEndpoint, cfg.OTelInsecure)
	if err != nil {
		return nil, fmt.Errorf("creating trace provider: %w", err)
	}
	return tp, nil
}

// openSession launches or connects to a browser with the configured backend
// and opens a page. The returned func closes the browser.
func openSession(ctx context.Context, cfg config, logger *log.Logger) (api.Session, func() error, error) {
	opts := cfg.launchOptions()

	if cfg.Backend == backendPlaywright {
		var (
			b   *pwext.Browser
			err error
		)
		if cfg.WSURL != "" {
			b, err = pwext.Connect(cfg.WSURL, opts, logger)
		} else {
			b, err = pwext.Launch(opts, cfg.PlaywrightInstall, logger)
		}
		if err != nil {
			return nil, nil, err
		}
		s, err := b.NewSession()
		if err != nil {
			_ = b.Close()
			return nil, nil, err
		}
		logger.Infof("cchrome", "playwright browser version %s", b.Version())
		return s, b.Close, nil
	}

	var (
		b   *chromium.Browser
		err error
	)
	if cfg.WSURL != "" {
		b, err = chromium.Connect(ctx, cfg.WSURL, opts, logger)
	} else {
		b, err = chromium.Launch(ctx, opts, logger)
	}
	if err != nil {
		return nil, nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	s, err := b.NewSession(sctx)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	if v, err := b.Version(sctx); err == nil {
		logger.Infof("cchrome", "browser version %s", v)
	}

	return s, b.Close, nil
}

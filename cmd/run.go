package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/probe/api/schemas"
	"github.com/xkilldash9x/probe/internal/browser"
	"github.com/xkilldash9x/probe/internal/config"
	"github.com/xkilldash9x/probe/internal/contextutil"
	"github.com/xkilldash9x/probe/internal/diagnostics"
	"github.com/xkilldash9x/probe/internal/engine"
	"github.com/xkilldash9x/probe/internal/observability"
	"github.com/xkilldash9x/probe/internal/reporting"
	"github.com/xkilldash9x/probe/internal/runner"
	"github.com/xkilldash9x/probe/internal/store"
	"github.com/xkilldash9x/probe/internal/suite"
)

const shutdownTimeout = 15 * time.Second

// flagBindings maps run flags to config keys.
var flagBindings = map[string]string{
	"base-url":     "target.base_url",
	"concurrency":  "engine.concurrency",
	"json":         "report.json_path",
	"junit":        "report.junit_path",
	"artifacts":    "report.artifacts_dir",
	"metrics-addr": "metrics.addr",
	"headless":     "browser.headless",
	"strict":       "runner.strict_inconclusive",
	"capture":      "network.capture",
}

func newRunCmd(a *app) *cobra.Command {
	var filter string
	runCmd := &cobra.Command{
		Use:   "run <suite.yaml>...",
		Short: "Run the tests of one or more suite files",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			for flag, key := range flagBindings {
				if err := a.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			return a.reload()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuites(cmd.Context(), a.cfg, args, filter, cmd.OutOrStdout())
		},
	}

	f := runCmd.Flags()
	f.String("base-url", "", "Base URL relative navigations resolve against (overrides config/env)")
	f.IntP("concurrency", "j", 1, "Number of tests run at once")
	f.String("json", "", "Write a JSON report to this path")
	f.String("junit", "", "Write a JUnit XML report to this path")
	f.String("artifacts", "probe-artifacts", "Directory for failure diagnostics")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.Bool("headless", true, "Run the browser headless")
	f.Bool("strict", false, "Fail tests on inconclusive assertions")
	f.Bool("capture", false, "Record network requests through a local proxy")
	f.StringVarP(&filter, "filter", "f", "", "Only run tests whose name contains this text")
	return runCmd
}

// loadSuites parses every suite file; all problems are reported together.
func loadSuites(paths []string, baseURL, filter string) ([]*suite.Suite, error) {
	var (
		suites []*suite.Suite
		errs   []error
	)
	for _, p := range paths {
		s, err := suite.Load(p, baseURL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Tests = s.Select(filter)
		suites = append(suites, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	total := 0
	for _, s := range suites {
		total += len(s.Tests)
	}
	if total == 0 {
		return nil, fmt.Errorf("no tests match filter %q", filter)
	}
	return suites, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func runSuites(ctx context.Context, cfg *config.Config, paths []string, filter string, out io.Writer) (err error) {
	logger := observability.GetLogger()

	suites, err := loadSuites(paths, cfg.Target.BaseURL, filter)
	if err != nil {
		return invalid(err)
	}

	revision, revErr := reporting.Revision(filepath.Dir(paths[0]))
	if revErr != nil {
		logger.Warn("Could not determine suite revision", zap.Error(revErr))
	}
	meta := reporting.Metadata{Version: Version, Revision: revision, GeneratedAt: time.Now().UTC()}

	metrics := observability.NewMetrics()
	if cfg.Metrics.Addr != "" {
		srv, err := serveMetrics(cfg.Metrics.Addr, metrics.Handler(), logger)
		if err != nil {
			return err
		}
		defer shutdown(ctx, "metrics server", srv.Shutdown)
	}

	if cfg.Tracing.Enabled {
		w, closeTrace, err := traceWriter(cfg.Tracing.Output)
		if err != nil {
			return err
		}
		defer closeTrace()
		tp, err := observability.NewTracerProvider("probe", Version, w)
		if err != nil {
			return err
		}
		defer shutdown(ctx, "tracer", tp.Shutdown)
	}

	reporters := reporting.Multi{reporting.NewTextReporter(nopCloser{out}, meta)}
	if cfg.Report.JSONPath != "" {
		r, err := reporting.New("json", cfg.Report.JSONPath, meta)
		if err != nil {
			return err
		}
		reporters = append(reporters, r)
	}
	if cfg.Report.JUnitPath != "" {
		r, err := reporting.New("junit", cfg.Report.JUnitPath, meta)
		if err != nil {
			reporters.Close()
			return err
		}
		reporters = append(reporters, r)
	}
	defer func() {
		if cerr := reporters.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to write reports: %w", cerr)
		}
	}()

	opts := []engine.Option{engine.WithSink(reporters)}
	if cfg.Database.URL != "" {
		st, closeDB, err := openStore(ctx, cfg.Database.URL, revision, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		opts = append(opts, engine.WithStore(st))
	}

	manager := browser.NewManager(cfg, logger)
	defer shutdown(ctx, "browser manager", manager.Shutdown)

	capturer := diagnostics.NewCapturer(logger, cfg.Report.ArtifactsDir, cfg.Report.CompressArtifacts)
	capturer.Version = Version
	r := runner.New(logger, cfg, runner.WithMetrics(metrics), runner.WithCapturer(capturer))
	eng, err := engine.New(cfg, logger, r, manager, opts...)
	if err != nil {
		return err
	}

	var all []*schemas.RunReport
	var deliveryErrs []error
	for _, s := range suites {
		if len(s.Tests) == 0 {
			continue
		}
		logger.Info("Running suite", zap.String("suite", s.Name), zap.String("path", s.Path), zap.Int("tests", len(s.Tests)))
		reports, err := eng.Run(ctx, s.Tests)
		all = append(all, reports...)
		if err != nil {
			deliveryErrs = append(deliveryErrs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(deliveryErrs) > 0 {
		logger.Error("Some results could not be delivered", zap.Error(errors.Join(deliveryErrs...)))
	}
	if !reporting.Summarize(all).OK() {
		return &ExitError{Code: ExitFailed, Err: ErrTestsFailed}
	}
	return errors.Join(deliveryErrs...)
}

func openStore(ctx context.Context, url, revision string, logger *zap.Logger) (*store.Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	st, err := store.New(ctx, pool, logger, revision)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}

func traceWriter(path string) (io.Writer, func(), error) {
	if path == "" || path == "stderr" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// shutdown runs fn on a detached context so components still stop cleanly
// after an interrupt.
func shutdown(ctx context.Context, what string, fn func(context.Context) error) {
	sctx, cancel := contextutil.Cleanup(ctx, shutdownTimeout)
	defer cancel()
	if err := fn(sctx); err != nil {
		observability.GetLogger().Warn("Shutdown incomplete", zap.String("component", what), zap.Error(err))
	}
}

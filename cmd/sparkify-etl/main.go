// Command sparkify-etl loads the song catalog and activity logs into the
// star schema described by a pipeline config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"sparkify/internal/metrics"
	"sparkify/internal/metrics/datadog"
	"sparkify/internal/metrics/prompush"
	"sparkify/internal/multitable"

	// register all backends with the storage factory.
	_ "sparkify/internal/storage/all"
)

type runner interface {
	Run(ctx context.Context, cfg multitable.Pipeline) (*multitable.Report, error)
}

// appDeps are the side-effecting collaborators of runMain.
type appDeps struct {
	loadEnv     func(path string) error
	loadConfig  func(path string) (multitable.Pipeline, error)
	newLogger   func(verbose bool) (*zap.Logger, error)
	initMetrics func(ctx context.Context, mc metricsConfig) (func(), error)
	newRunner   func(logger multitable.Logger, runID string) runner
}

func defaultDeps() appDeps {
	return appDeps{
		loadEnv:     func(path string) error { return godotenv.Load(path) },
		loadConfig:  multitable.LoadPipeline,
		newLogger:   newZapLogger,
		initMetrics: initMetrics,
		newRunner: func(logger multitable.Logger, runID string) runner {
			r := multitable.NewDefaultRunner(logger)
			r.RunID = runID
			return r
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain parses args, runs one load and returns the process exit code:
// 0 on success, 1 on failure, 2 on usage errors. The run report is written to
// stdout as JSON; on a failed run it goes to stderr.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("sparkify-etl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath        string
		envFile        string
		metricsBackend string
		pushGatewayURL string
		validate       bool
		verbose        bool
	)
	fs.StringVar(&cfgPath, "config", "", "pipeline config JSON path")
	fs.StringVar(&envFile, "env-file", "", "optional .env file loaded before the config is read")
	fs.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: none|datadog|pushgateway (env METRICS_BACKEND)")
	fs.StringVar(&pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (env PUSHGATEWAY_URL)")
	fs.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: sparkify-etl -config path/to/pipeline.json [-env-file .env] [-metrics-backend none|datadog|pushgateway] [-validate] [-v]")
		return 2
	}

	if envFile != "" {
		if err := deps.loadEnv(envFile); err != nil {
			fmt.Fprintf(stderr, "load env: %v\n", err)
			return 1
		}
	}

	cfg, err := deps.loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}

	issues := multitable.ValidatePipeline(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if multitable.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", cfgPath)
		return 1
	}
	if validate {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", cfgPath)
		return 0
	}

	zl, err := deps.newLogger(verbose)
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = zl.Sync() }()
	logger := zap.NewStdLog(zl)

	// flag → env → default.
	if metricsBackend == "" {
		metricsBackend = os.Getenv("METRICS_BACKEND")
	}
	if pushGatewayURL == "" {
		pushGatewayURL = os.Getenv("PUSHGATEWAY_URL")
	}
	if pushGatewayURL == "" {
		pushGatewayURL = "http://localhost:9091"
	}

	jobName := cfg.Job
	if jobName == "" {
		jobName = "sparkify"
	}
	runID := uuid.NewString()

	cleanup, err := deps.initMetrics(ctx, metricsConfig{
		Job:            jobName,
		Backend:        metricsBackend,
		PushGatewayURL: pushGatewayURL,
		RunID:          runID,
	})
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	zl.Info("pipeline starting",
		zap.String("run_id", runID),
		zap.String("job", jobName),
		zap.String("storage", cfg.Storage.Kind),
		zap.Int("workers", cfg.Runtime.Workers),
		zap.String("metrics_backend", metricsBackend),
	)

	start := time.Now()
	report, err := deps.newRunner(logger, runID).Run(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		var runErr *multitable.RunError
		if errors.As(err, &runErr) && runErr.Report != nil {
			writeReport(stderr, runErr.Report)
		}
		return 1
	}

	zl.Info("pipeline finished", zap.String("run_id", runID), zap.Duration("elapsed", time.Since(start).Truncate(time.Millisecond)))
	if err := writeReport(stdout, report); err != nil {
		fmt.Fprintf(stderr, "write report: %v\n", err)
		return 1
	}
	return 0
}

func writeReport(w io.Writer, r *multitable.Report) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func newZapLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	return cfg.Build()
}

// metricsBackend is the part of a metrics backend the CLI owns: shutdown.
type metricsBackend interface {
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url, runID string) (metricsBackend, error) {
		b, err := prompush.NewBackend(job, url)
		if err != nil {
			return nil, err
		}
		return pushCloser{b.Grouping("run_id", runID)}, nil
	}
	setMetricsBackend = func(b any) {
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// pushCloser pushes once on Close.
type pushCloser struct {
	*prompush.Backend
}

func (p pushCloser) Close() error { return p.Flush() }

type metricsConfig struct {
	Job            string
	Backend        string
	PushGatewayURL string
	RunID          string
}

// initMetrics installs the named backend. The returned cleanup is never nil
// and flushes the backend exactly once.
func initMetrics(ctx context.Context, mc metricsConfig) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(mc.Backend)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    mc.Job,
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	case "pushgateway", "prometheus":
		b, err := newPushBackend(mc.Job, mc.PushGatewayURL, mc.RunID)
		if err != nil {
			return noop, fmt.Errorf("pushgateway: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: pushgateway push error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog|pushgateway)", mc.Backend)
	}
}

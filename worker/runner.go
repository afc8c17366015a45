package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/fuseline/fuseline/workflow"
)

// Environment surface of RunFromEnv.
const (
	EnvBrokerURL       = "BROKER_URL"
	EnvWorkerProcesses = "WORKER_PROCESSES"
	EnvLogLevel        = "LOG_LEVEL"

	DefaultBrokerURL = "http://localhost:8000"
)

// RunFromEnv is the worker entry point for statically linked
// deployments: a main package lists its workflows and calls RunFromEnv
// to serve them.
//
//	func main() {
//	    wf := orders.Workflow()
//	    if err := worker.RunFromEnv(wf); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// Configuration comes from the environment: BROKER_URL (default
// http://localhost:8000), WORKER_PROCESSES (default 1, run as
// goroutines each with its own broker registration) and LOG_LEVEL
// (default INFO). The call blocks until SIGINT or SIGTERM.
func RunFromEnv(workflows ...*workflow.Workflow) error {
	logger, err := buildLogger(os.Getenv(EnvLogLevel))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	brokerURL := os.Getenv(EnvBrokerURL)
	if brokerURL == "" {
		brokerURL = DefaultBrokerURL
	}
	processes := 1
	if v := os.Getenv(EnvWorkerProcesses); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid %s %q", EnvWorkerProcesses, v)
		}
		processes = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting workers",
		zap.String("broker_url", brokerURL),
		zap.Int("processes", processes),
		zap.Int("workflows", len(workflows)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < processes; i++ {
		workerLogger := logger.With(zap.Int("process", i))
		g.Go(func() error {
			w, err := NewWorker(gctx, NewHTTPClient(brokerURL), workflows, WithLogger(workerLogger))
			if err != nil {
				return err
			}
			return w.Work(gctx, true)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("workers stopped")
		return nil
	}
	return err
}

// buildLogger creates a production zap logger at the given level name.
func buildLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvLogLevel, level, err)
		}
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

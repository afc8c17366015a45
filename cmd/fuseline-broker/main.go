// Command fuseline-broker serves the Fuseline scheduling broker over
// HTTP.
//
// Runtime state lives in memory by default; pass --database-driver
// sqlite or mysql (with --database-url) to survive restarts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fuseline/fuseline/broker"
	"github.com/fuseline/fuseline/broker/httpapi"
	"github.com/fuseline/fuseline/broker/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port        int
		dbDriver    string
		dbURL       string
		logLevel    string
		workerTTL   time.Duration
		defaultPort = 8000
	)
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			defaultPort = n
		}
	}

	cmd := &cobra.Command{
		Use:   "fuseline-broker",
		Short: "Serve the Fuseline workflow broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(port, dbDriver, dbURL, logLevel, workerTTL)
		},
	}

	cmd.Flags().IntVar(&port, "port", defaultPort, "listen port (env PORT)")
	cmd.Flags().StringVar(&dbDriver, "database-driver", "", "runtime storage driver: sqlite or mysql; empty keeps state in memory")
	cmd.Flags().StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "database path or DSN (env DATABASE_URL)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "zap log level")
	cmd.Flags().DurationVar(&workerTTL, "worker-ttl", broker.DefaultWorkerTTL, "worker liveness window")
	return cmd
}

func run(port int, dbDriver, dbURL, logLevel string, workerTTL time.Duration) error {
	lvl, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStorage(dbDriver, dbURL)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	registry := prometheus.NewRegistry()
	svc := broker.NewService(store,
		broker.WithLogger(logger.Named("broker")),
		broker.WithMetrics(broker.NewMetrics(registry)),
		broker.WithWorkerTTL(workerTTL),
	)
	handler := httpapi.NewServer(svc,
		httpapi.WithLogger(logger.Named("http")),
		httpapi.WithMetricsRegistry(registry),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("broker listening",
			zap.Int("port", port),
			zap.String("storage", storageName(dbDriver)),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("broker stopped")
	return nil
}

// openStorage selects the runtime storage backend.
func openStorage(driver, url string) (storage.RuntimeStorage, error) {
	switch driver {
	case "":
		return storage.NewMemoryStorage(), nil
	case "sqlite":
		if url == "" {
			url = "fuseline.db"
		}
		return storage.OpenSQLite(url)
	case "mysql":
		if url == "" {
			return nil, fmt.Errorf("--database-url is required for mysql")
		}
		return storage.OpenMySQL(url)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

func storageName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}

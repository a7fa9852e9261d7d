package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/curriculum"
	"github.com/michaelbrown/runbox/internal/ratelimit"
	"github.com/michaelbrown/runbox/internal/server"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
	"github.com/michaelbrown/runbox/internal/submission"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runbox HTTP server",
	Long: `Start the runbox HTTP server with the executor endpoint, the submission API
and the live status WebSocket. API endpoints are under /api, metrics at /metrics.

Examples:
  runbox serve
  runbox serve --port 9090
  SANDBOX_RATELIMIT_BACKEND=redis runbox serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	catalog, err := curriculum.LoadDir(cfg.Curriculum.Dir)
	if err != nil {
		return fmt.Errorf("loading curriculum: %w", err)
	}

	exec, closeRuntime, err := newExecutor(cfg, log)
	if err != nil {
		return err
	}
	defer closeRuntime()

	if cfg.Server.PullImages {
		log.Info("pulling runner images", zap.Strings("images", exec.Images()))
		if err := exec.EnsureImages(ctx); err != nil {
			return fmt.Errorf("pulling images: %w", err)
		}
	}

	counters, closeCounters, err := newCounters(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer closeCounters()

	clock, err := newClock(cfg)
	if err != nil {
		return err
	}

	runs := submission.New(submission.Options{
		Store:   store,
		Catalog: catalog,
		Sandbox: exec,
		Limiter: ratelimit.NewLimiter(counters, time.Duration(cfg.RateLimit.WindowMs)*time.Millisecond, cfg.RateLimit.Limit),
		Quota:   ratelimit.NewQuota(counters, cfg.Quota.DailyLimit, clock),
		Logger:  log,
	})

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	if cfg.Auth.JWTSecret == "" && !cfg.Auth.DevHeader {
		log.Warn("no auth.jwt_secret and auth.dev_header disabled: submission endpoints will reject every request")
	}
	log.Info("runbox configured",
		zap.String("db", cfg.Storage.DBPath),
		zap.String("curriculum", cfg.Curriculum.Dir),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend),
		zap.String("quota_timezone", clock.Location().String()),
	)

	srv := server.New(cfg, store, exec, runs, log)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// In-flight runs finish before storage is closed.
	<-stopped
	return nil
}

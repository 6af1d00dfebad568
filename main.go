// vid2gif/main.go
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

	"vid2gif/api"
	"vid2gif/config"
	"vid2gif/ffmpeg"
	"vid2gif/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	zap.ReplaceGlobals(logger)

	if err := run(cfg); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("Server exiting")
}

func run(cfg *config.Config) error {
	// 2. Initialize dependencies (Runner first)
	runner, err := ffmpeg.NewRunner(cfg)
	if err != nil {
		return fmt.Errorf("initialize ffmpeg runner: %w", err)
	}

	manager, err := task.NewManager(cfg, runner)
	if err != nil {
		return fmt.Errorf("initialize job manager: %w", err)
	}
	// Nothing is in flight yet, so anything on disk is left over from a crash.
	manager.Recover()

	// 3. Set up router and server
	if !zap.L().Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.SetupRouter(manager, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.CleanupLoop(gctx)
	})

	g.Go(func() error {
		zap.L().Info("Server starting",
			zap.String("port", cfg.Port),
			zap.String("scratch_dir", manager.Root()),
			zap.Int("max_concurrency", cfg.MaxConcurrency),
			zap.String("allowed_origin", cfg.AllowedOrigin),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("Shutting down gracefully")

		// In-flight conversions get a grace period to finish streaming.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

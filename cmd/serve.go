package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/sudankdk/icee/internal/admission"
	"github.com/sudankdk/icee/internal/api"
	"github.com/sudankdk/icee/internal/assignments"
	"github.com/sudankdk/icee/internal/config"
	"github.com/sudankdk/icee/internal/docker"
	"github.com/sudankdk/icee/internal/executer"
	"github.com/sudankdk/icee/internal/logger"
	"github.com/sudankdk/icee/internal/submission"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logger.New(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	catalog, err := assignments.Load(cfg.Executor.CatalogPath)
	if err != nil {
		return fmt.Errorf("load assignments: %w", err)
	}
	log.Info("assignments loaded", zap.Int("count", len(catalog.GetAll())))

	engine, err := docker.NewEngine()
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer engine.Close()

	containers := docker.NewManager(engine, log.Named("docker"), docker.Options{
		WorkingDir:          cfg.Executor.WorkingDir,
		ImagePullRetryAfter: cfg.Executor.ImagePullRetryAfter,
		Ports:               cfg.Executor.VNCPorts,
		TeardownTimeout:     cfg.Executor.TeardownTimeout,
	})
	if n, err := containers.SweepOrphans(ctx); err != nil {
		log.Warn("initial orphan sweep failed", zap.Error(err))
	} else if n > 0 {
		log.Info("removed orphaned containers", zap.Int("count", n))
	}
	go containers.RunSweeper(ctx, cfg.Executor.SweepInterval)

	svc := executer.NewService(catalog, containers, admission.New(cfg.Executor.MaxConcurrentExecutions), log.Named("executer"), executer.Options{
		DefaultConfig:   cfg.Executor.Defaults,
		PayloadDir:      cfg.Executor.WorkingDir,
		TeardownTimeout: cfg.Executor.TeardownTimeout,
	})

	backend, err := newSubmissionBackend(ctx, cfg.Submissions)
	if err != nil {
		return fmt.Errorf("submission storage: %w", err)
	}
	store := submission.NewStore(backend, cfg.Submissions.AllowResubmit, log.Named("submission"))

	server := api.NewServer(svc, catalog, store, containers.Registry(), log.Named("api"), api.Options{
		BodyLimit: cfg.Server.BodyLimit,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func newSubmissionBackend(ctx context.Context, cfg config.SubmissionsConfig) (submission.Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return submission.NewLocalBackend(cfg.Dir)
	case "minio":
		return submission.NewMinIOBackend(ctx, submission.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
	}
	return nil, fmt.Errorf("unknown submissions backend %q", cfg.Backend)
}

// Package main is the entrypoint for the kueuexec API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kiranshivaraju/kueuexec/internal/api"
	"github.com/kiranshivaraju/kueuexec/internal/api/handler"
	mw "github.com/kiranshivaraju/kueuexec/internal/api/middleware"
	"github.com/kiranshivaraju/kueuexec/internal/artifact"
	"github.com/kiranshivaraju/kueuexec/internal/cache"
	"github.com/kiranshivaraju/kueuexec/internal/config"
	"github.com/kiranshivaraju/kueuexec/internal/executor"
	"github.com/kiranshivaraju/kueuexec/internal/kube"
	"github.com/kiranshivaraju/kueuexec/internal/logarchive"
	"github.com/kiranshivaraju/kueuexec/internal/operator"
	"github.com/kiranshivaraju/kueuexec/internal/operator/cluster"
	"github.com/kiranshivaraju/kueuexec/internal/poller"
	"github.com/kiranshivaraju/kueuexec/internal/store"
	"github.com/kiranshivaraju/kueuexec/internal/tunnel"
	"github.com/kiranshivaraju/kueuexec/internal/watch"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	registryTimeout = 5 * time.Minute
	recordCacheSize = 1024
	watchBufferSize = 64
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"namespace", cfg.Kube.Namespace,
		"queue", cfg.Executor.QueueName,
		"staging", cfg.Artifact.Staging,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database and run migrations
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pgStore := store.NewPostgresStore(pool)

	// 3. Create Redis cache and the in-process record cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	records, err := cache.NewRecordCache(recordCacheSize)
	if err != nil {
		return fmt.Errorf("create record cache: %w", err)
	}

	// 4. Connect to the cluster
	kc, err := kube.NewClient(cfg.Kube.Kubeconfig, cfg.Kube.Namespace)
	if err != nil {
		return fmt.Errorf("create kube client: %w", err)
	}
	slog.Info("cluster client ready", "namespace", kc.Namespace)

	// 5. Load the workflow definition and build operators
	definition, err := os.ReadFile(cfg.Executor.DefinitionPath)
	if err != nil {
		return fmt.Errorf("read workflow definition: %w", err)
	}
	helper := cluster.NewHelper(kc, clusterSettings(cfg), string(definition))
	factory := operator.NewFactory(helper)

	// 6. Artifact exchange, used for host staging and the workdir upload
	exchange, err := artifact.NewExchange(tunnel.NewPortForwarder(kc), cfg.Executor.Workdir, registryTimeout)
	if err != nil {
		return fmt.Errorf("create artifact exchange: %w", err)
	}

	var archive *logarchive.Archive
	if cfg.LogArchive.Enabled() {
		archive, err = logarchive.New(cfg.LogArchive)
		if err != nil {
			return fmt.Errorf("create log archive: %w", err)
		}
		slog.Info("log archive enabled", "bucket", cfg.LogArchive.Bucket)
	}

	// 7. Poller, recorder and executor service
	hub := watch.NewHub(watchBufferSize)
	recorder := executor.NewRecorder(pgStore, redisCache, records, hub)
	pl := poller.New(poller.Config{
		Interval:       cfg.Executor.PollInterval,
		LogRetryDelay:  cfg.Executor.LogRetryDelay,
		CleanupTimeout: cfg.Executor.CleanupTimeout,
	}, pollerOptions(cfg, recorder, exchange, archive)...)

	svc, err := executor.New(executor.Dependencies{
		Store:    pgStore,
		Cache:    redisCache,
		Records:  records,
		Factory:  factory,
		Poller:   pl,
		Recorder: recorder,
		Namer:    artifact.NewNamer(cfg.Artifact, kc.Namespace),
		Staging: artifact.Staging{
			Registry:    cfg.Artifact.Registry,
			PlainHTTP:   cfg.Artifact.PlainHTTP,
			OrasVersion: cfg.Artifact.OrasVersion,
		},
		Pusher:   exchange,
		Executor: cfg.Executor,
		Artifact: cfg.Artifact,
	})
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	// 8. Seed the bootstrap key
	if cfg.Auth.BootstrapAPIKey != "" {
		if err := seedBootstrapKey(ctx, pgStore, cfg.Auth.BootstrapAPIKey); err != nil {
			return fmt.Errorf("seed bootstrap key: %w", err)
		}
	}

	// 9. Upload the working directory when host staging asks for it
	if err := svc.UploadWorkdir(ctx); err != nil {
		return fmt.Errorf("upload workdir: %w", err)
	}

	pollErr := make(chan error, 1)
	go func() {
		pollErr <- pl.Run(ctx)
	}()

	// 10. Build router with dependencies
	var logs handler.LogFetcher
	if archive != nil {
		logs = archive
	}
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Auth.RateLimitPerMinute),

		HealthHandler:    handler.NewHealthHandler(pgStore, redisCache, kc),
		SubmitJob:        handler.NewSubmitJobHandler(svc),
		RenderJob:        handler.NewRenderJobHandler(svc),
		ListJobs:         handler.NewListJobsHandler(svc),
		GetJob:           handler.NewGetJobHandler(svc),
		JobLog:           handler.NewJobLogHandler(svc, logs),
		WatchJobs:        handler.NewWatchHandler(hub),
		CancelAll:        handler.NewCancelHandler(svc),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 11. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset so watch streams are not cut off.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-pollErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("poller: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, cancelling jobs and draining connections...")
	}

	// 12. Cancel active jobs, then shut the server down
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	n, err := svc.CancelAll(shutdownCtx)
	if err != nil {
		slog.Error("cancel active jobs", "error", err)
	}
	slog.Info("active jobs cancelled", "count", n)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("server shutdown: %w", err))
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

func clusterSettings(cfg *config.Config) cluster.Settings {
	return cluster.Settings{
		Namespace:        cfg.Kube.Namespace,
		QueueName:        cfg.Executor.QueueName,
		JobPrefix:        cfg.Executor.JobPrefix,
		ContainerWorkdir: cfg.Executor.ContainerWorkdir,
		DefinitionFile:   filepath.Base(cfg.Executor.DefinitionPath),
		Completions:      cfg.Executor.Completions,
		Suspend:          cfg.Executor.Suspend,
		FluxViewImage:    cfg.Executor.FluxViewImage,
		PullAlways:       cfg.Executor.PullAlways,
		Interactive:      cfg.Executor.Interactive,
	}
}

// pollerOptions wires the observer always, the host-side puller only for host
// staging and the archiver only when configured.
func pollerOptions(cfg *config.Config, rec *executor.Recorder, puller poller.Puller, archive *logarchive.Archive) []poller.Option {
	opts := []poller.Option{poller.WithObserver(rec.Observe)}
	if cfg.Artifact.Staging == config.StagingHost && puller != nil {
		opts = append(opts, poller.WithPuller(puller))
	}
	if archive != nil {
		opts = append(opts, poller.WithArchiver(archive))
	}
	return opts
}

// seedBootstrapKey stores the configured admin key. An existing key with the
// same name is left alone.
func seedBootstrapKey(ctx context.Context, st store.Store, raw string) error {
	key, err := mw.NewAPIKey("bootstrap", raw,
		[]string{models.ScopeSubmit, models.ScopeRead, models.ScopeAdmin})
	if err != nil {
		return err
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			slog.Info("bootstrap key already present")
			return nil
		}
		return err
	}
	slog.Info("bootstrap key created", "key_prefix", key.KeyPrefix)
	return nil
}

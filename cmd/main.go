package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"libhub/internal/auth"
	"libhub/internal/cache"
	"libhub/internal/config"
	"libhub/internal/database"
	"libhub/internal/domain"
	"libhub/internal/handler"
	"libhub/internal/metrics"
	"libhub/internal/preview"
	"libhub/internal/queue"
	"libhub/internal/repository"
	"libhub/internal/scheduler"
	"libhub/internal/service"
	"libhub/internal/storage"
	"libhub/internal/storage/local"
	s3storage "libhub/internal/storage/s3"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case "s3":
		return s3storage.NewClient(ctx, &s3storage.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PublicURL:       cfg.S3.PublicURL,
			UsePathStyle:    cfg.S3.UsePathStyle,
		}, logger)
	case "local":
		return local.New(cfg.Storage.Root, cfg.Storage.PublicURL)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// thumbnailStore сбрасывает кэш, когда задача превью обновляет запись.
type thumbnailStore struct {
	*repository.PublicationRepository
	cache *cache.PublicationCache
}

func (s thumbnailStore) SetThumbnail(ctx context.Context, id uuid.UUID, path string) error {
	err := s.PublicationRepository.SetThumbnail(ctx, id, path)
	s.cache.Delete(id)
	return err
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Загружаем конфигурацию
	appConfig, err := config.NewConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(appConfig.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Подключаемся к базе данных и применяем миграции
	db, err := database.Open(ctx, appConfig.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(appConfig.Database, logger); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	backend, err := newBackend(ctx, appConfig, logger)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}

	authenticator, err := auth.New(ctx, auth.Config{
		JWKSURL: appConfig.Auth.JWKSURL,
		Issuer:  appConfig.Auth.Issuer,
		Leeway:  appConfig.Auth.Leeway,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to init auth: %v", err)
	}

	// Инициализация репозиториев
	publicationRepo := repository.NewPublicationRepository(db)
	jobRepo := repository.NewJobRepository(db)
	quotaRepo := repository.NewStorageQuotaRepository(db)

	jobQueue := queue.New(jobRepo, queue.Options{
		Workers:      appConfig.Queue.Workers,
		MaxAttempts:  appConfig.Queue.MaxAttempts,
		Backoff:      appConfig.Queue.Backoff,
		Visibility:   appConfig.Queue.Visibility,
		PollInterval: appConfig.Queue.PollInterval,
		Logger:       logger,
		Observer:     metrics.JobObserver{},
	})

	// Инициализация сервисов
	publicationCache := cache.New(appConfig.Cache.Size, appConfig.Cache.TTL)
	quotaService := service.NewStorageQuotaService(quotaRepo, publicationRepo, appConfig.Quota.DefaultLimitBytes)

	opts, err := service.OptionsFromConfig(appConfig)
	if err != nil {
		log.Fatalf("Invalid upload config: %v", err)
	}
	publicationService := service.NewPublicationService(
		backend,
		publicationRepo,
		jobRepo,
		jobQueue,
		quotaService,
		publicationCache,
		opts,
		logger,
	)
	jobQueue.Register(domain.JobTypeIngest, service.NewIngestJobHandler(publicationService))

	if appConfig.Preview.Enabled {
		previewService := preview.NewService(
			backend,
			thumbnailStore{publicationRepo, publicationCache},
			preview.NewPDFRenderer(appConfig.Preview.MaxSize, appConfig.Preview.Quality),
			logger,
		)
		jobQueue.Register(domain.JobTypeThumbnail, preview.NewJobHandler(previewService))
	}

	reconcileService := service.NewReconcileService(
		backend,
		publicationRepo,
		jobRepo,
		appConfig.Reconcile.GracePeriod,
		appConfig.Reconcile.DeleteOrphans,
		logger,
	)

	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.ReconcileTask(reconcileService, appConfig.Reconcile.Schedule)); err != nil {
		log.Fatalf("Failed to schedule reconcile: %v", err)
	}
	if err := sched.Add(scheduler.RetentionTask(jobRepo, appConfig.Queue.Retention, appConfig.Queue.CleanupSchedule, logger)); err != nil {
		log.Fatalf("Failed to schedule job cleanup: %v", err)
	}

	// Инициализация хендлеров
	router := handler.NewRouter(handler.RouterConfig{
		Publications: handler.NewPublicationHandler(publicationService, appConfig.Server.Debug, logger),
		Quota:        handler.NewStorageQuotaHandler(quotaService, appConfig.Server.Debug, logger),
		Health: handler.NewHealthHandler(map[string]handler.ReadinessChecker{
			"database": database.NewReadinessChecker(db),
			"storage":  storage.NewReadinessChecker(backend),
		}),
		Authenticate:   authenticator.Middleware(handler.Unauthorized),
		AllowedOrigins: appConfig.Server.AllowedOrigins,
		RequestTimeout: appConfig.Server.RequestTimeout,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC сервер отдаёт только стандартный health-сервис
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		jobQueue.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if appConfig.Reconcile.OnStartup {
		go func() {
			if _, err := reconcileService.Run(ctx); err != nil {
				logger.Error("startup reconcile failed", slog.String("error", err.Error()))
			}
		}()
	}

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
		if err != nil {
			log.Fatalf("Failed to listen for gRPC: %v", err)
		}
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		logger.Info("starting gRPC server", slog.String("port", appConfig.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	go func() {
		logger.Info("starting HTTP server", slog.String("port", appConfig.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down servers")

	shutdownTimeout := appConfig.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", slog.String("error", err.Error()))
	}
	grpcServer.GracefulStop()

	// воркеры дорабатывают начатые задачи
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("background workers did not stop in time")
	}

	logger.Info("server exited properly")
}

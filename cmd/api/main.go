// Command api runs the synchronization service with its HTTP surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"treedoc-backend/internal/config"
	"treedoc-backend/internal/infrastructure/persistence"
	ddbrepo "treedoc-backend/internal/infrastructure/persistence/dynamodb"
	"treedoc-backend/internal/interfaces/http/rest"
	"treedoc-backend/internal/repository"
	"treedoc-backend/internal/repository/mocks"
	syncsvc "treedoc-backend/internal/service/sync"
	"treedoc-backend/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	var metrics observability.MetricsCollector = observability.NoopCollector{}
	if cfg.EnableMetrics {
		metrics = observability.NewPrometheusCollector("treedoc", registry)
	}

	repo, err := buildRepository(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build storage backend", zap.Error(err))
	}

	svc := syncsvc.New(cfg, repo, logger, metrics)
	defer svc.Shutdown()

	watcher, err := config.NewWatcher(cfg, os.Getenv("CONFIG_FILE"), logger)
	if err != nil {
		logger.Warn("configuration hot reloading unavailable", zap.Error(err))
	} else {
		watcher.OnReload(func(next *config.Config) {
			svc.ApplyTuning(next.Sync)
		})
		defer watcher.Stop()
	}

	handler := rest.NewHandler(svc, logger)
	router := handler.Router()
	if cfg.EnableMetrics {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("backend", cfg.Storage.Backend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var logger *zap.Logger
	var err error
	if cfg.Environment == config.Production {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	return logger
}

// buildRepository selects the backend and layers the resilience decorators
// on it per configuration.
func buildRepository(cfg *config.Config, logger *zap.Logger) (repository.NodeRepository, error) {
	var repo repository.NodeRepository
	switch cfg.Storage.Backend {
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, err
		}
		client := awsdynamodb.NewFromConfig(awsCfg)
		repo = ddbrepo.NewNodeRepository(client, cfg.Storage.TableName, cfg.Storage.IndexName, logger)
	default:
		repo = mocks.NewMockRepository()
	}

	if cfg.Storage.MaxRetries > 0 {
		retryCfg := persistence.DefaultRetryConfig()
		retryCfg.MaxRetries = cfg.Storage.MaxRetries
		repo = persistence.NewRetryRepository(repo, retryCfg, logger)
	}
	if cfg.Storage.CircuitBreaker {
		repo = persistence.NewBreakerRepository(repo, persistence.DefaultBreakerConfig("node-repository"), logger)
	}
	return repo, nil
}

// Command judge-worker consumes programming submissions from the
// message queue, judges them through the sandboxed runner and publishes
// per-task verdicts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"judged/internal/common/mq"
	"judged/internal/common/storage"
	"judged/internal/judge/checker"
	"judged/internal/judge/model"
	"judged/internal/judge/repository"
	"judged/internal/judge/scheduler"
	"judged/internal/judge/service"
	appErr "judged/pkg/errors"
	"judged/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appCfg.Redis.Addr,
		Password: appCfg.Redis.Password,
		DB:       appCfg.Redis.DB,
	})
	defer func() {
		_ = redisClient.Close()
	}()
	statusRepo := repository.NewStatusRepository(redisClient, appCfg.Redis.TTL)

	// Left nil when no object storage is configured; submissions must
	// then carry their assets inline.
	var assetFetcher model.Fetcher
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return
		}
		assetFetcher = storage.NewFetcher(objStorage)
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		logger.Error(ctx, "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	chk, err := checker.New(checker.Config{
		ScriptDir:      appCfg.Checker.ScriptDir,
		WorkRoot:       appCfg.Checker.WorkRoot,
		CacheDir:       appCfg.Checker.CacheDir,
		ChrootDir:      appCfg.Checker.ChrootDir,
		RunguardPath:   appCfg.Checker.RunguardPath,
		ScriptTimeout:  appCfg.Checker.ScriptTimeout,
		OutputMaxBytes: appCfg.Checker.OutputMaxBytes,
	}, assetFetcher)
	if err != nil {
		logger.Error(ctx, "init checker failed", zap.Error(err))
		return
	}

	orch := scheduler.New(chk, scheduler.Config{
		Workers:       appCfg.Pool.Workers,
		QueueCapacity: appCfg.Pool.QueueCapacity,
	})

	var publisher repository.ResultPublisher
	if appCfg.Topics.Results != "" {
		publisher = repository.NewMQResultPublisher(mqClient, appCfg.Topics.Results)
	}

	svc, err := service.NewService(service.Config{
		Orchestrator:  orch,
		StatusRepo:    statusRepo,
		Publisher:     publisher,
		MaxInFlight:   appCfg.Pool.MaxInFlight,
		AdmitTimeout:  appCfg.Pool.AdmitTimeout,
		StatusTimeout: appCfg.Pool.StatusTimeout,
	})
	if err != nil {
		logger.Error(ctx, "init service failed", zap.Error(err))
		return
	}

	orch.Start(ctx)
	defer orch.Stop()

	if err := mqClient.Subscribe(ctx, appCfg.Topics.Submissions, svc.HandleMessage); err != nil {
		logger.Error(ctx, "subscribe failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(ctx, "start consumer failed", zap.Error(err))
		return
	}

	router := buildRouter(statusRepo, redisClient, mqClient)
	server := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server failed", zap.Error(err))
		}
	}()
	logger.Info(ctx, "judge worker started", zap.String("addr", appCfg.Server.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}

func buildRouter(statusRepo *repository.StatusRepository, redisClient *redis.Client, mqClient mq.MessageQueue) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "redis": err.Error()})
			return
		}
		if err := mqClient.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "kafka": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status/:id", func(c *gin.Context) {
		status, err := statusRepo.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if appErr.Is(err, appErr.NotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "submission not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})
	return router
}

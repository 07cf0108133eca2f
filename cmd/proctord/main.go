// Package main runs the proctoring agent: per-attempt proctoring sessions, the
// monitor HTTP API, the UI event websocket, and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/examguard/proctor/config"
	"github.com/examguard/proctor/internal/api"
	"github.com/examguard/proctor/internal/auth"
	"github.com/examguard/proctor/internal/media"
	"github.com/examguard/proctor/internal/middleware"
	"github.com/examguard/proctor/internal/realtime"
	"github.com/examguard/proctor/internal/report"
	"github.com/examguard/proctor/internal/session"
	"github.com/examguard/proctor/internal/snapshot"
	"github.com/examguard/proctor/pkg/database"
	"github.com/examguard/proctor/pkg/queue"
	"github.com/examguard/proctor/pkg/redis"
	"github.com/examguard/proctor/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	// Either binary may start first; migrations are idempotent.
	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var sink *snapshot.Sink
	if cfg.Proctor.SnapshotsEnabled && cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			SnapshotsBucket:      cfg.AWS.SnapshotsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err := storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("snapshots disabled", zap.Error(err))
		} else {
			sink = snapshot.NewSink(s3Client,
				time.Duration(cfg.Proctor.SnapshotEverySec)*time.Second, logger)
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	recorder := report.NewRecorder(jobQueue, logger)
	reports := report.NewRepository(pool)
	feed := report.NewMonitorPubSub(rdb.Client)

	var newTransport session.TransportFactory
	if cfg.Transport.URL != "" {
		newTransport = func(attemptID uuid.UUID) session.Transport {
			return realtime.NewClient(realtime.Config{
				BaseURL:    cfg.Transport.URL,
				AttemptID:  attemptID,
				Token:      cfg.Transport.Token,
				Backoff:    time.Duration(cfg.Transport.BackoffSec) * time.Second,
				MaxRetries: cfg.Transport.MaxRetries,
				Logger:     logger,
			})
		}
	}

	sessCfg := session.Config{
		DetectInterval: time.Duration(cfg.Proctor.DetectIntervalMS) * time.Millisecond,
		AudioCadence:   time.Duration(cfg.Proctor.AudioCadenceMS) * time.Millisecond,
		BlurSettle:     time.Duration(cfg.Proctor.BlurSettleMS) * time.Millisecond,
		AcquireTimeout: time.Duration(cfg.Proctor.AcquireTimeoutSec) * time.Second,
		Logger:         logger,
	}
	var snapshots api.SnapshotStore
	if sink != nil {
		sessCfg.Snapshots = sink
		snapshots = sink
	}

	// The synthetic acquirer is the built-in capture profile; deployments
	// with real capture hardware plug their own media.Acquirer in here.
	acquirer := media.NewSyntheticAcquirer()
	manager := session.NewManager(acquirer, sessCfg, newTransport, recorder, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	api.NewHandler(manager, reports, feed, snapshots, ctx, logger).Register(router, jwtService)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("agent listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Release every camera and microphone before the process exits.
	manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("agent stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

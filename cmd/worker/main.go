// Package main runs the background snapshot compaction worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/weave-vtt/backend/config"
	"github.com/weave-vtt/backend/internal/eventstore"
	"github.com/weave-vtt/backend/internal/worker"
	"github.com/weave-vtt/backend/pkg/database"
	"github.com/weave-vtt/backend/pkg/queue"
	"github.com/weave-vtt/backend/pkg/redis"
	"github.com/weave-vtt/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Database.Driver != config.StoreDriverPostgres || !cfg.Redis.Enabled {
		logger.Fatal("worker requires STORE_DRIVER=postgres and REDIS_ENABLED=true")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), 4, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Archive is optional; without a bucket the worker only writes Postgres snapshots.
	var archive worker.Archiver
	if cfg.AWS.SnapshotBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SnapshotBucket:  cfg.AWS.SnapshotBucket,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		archive = s3Client
	}

	store := eventstore.NewRepository(pool, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	compactor := worker.NewSnapshotCompactor(store, archive, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		compactor.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker started", zap.Bool("archive", archive != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

// Package main runs the campaign HTTP server: WebSocket sessions, audit routes and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/weave-vtt/backend/config"
	"github.com/weave-vtt/backend/internal/auth"
	"github.com/weave-vtt/backend/internal/campaigns"
	"github.com/weave-vtt/backend/internal/eventstore"
	"github.com/weave-vtt/backend/internal/membership"
	"github.com/weave-vtt/backend/internal/middleware"
	"github.com/weave-vtt/backend/internal/models"
	"github.com/weave-vtt/backend/internal/realtime"
	"github.com/weave-vtt/backend/internal/session"
	"github.com/weave-vtt/backend/pkg/database"
	"github.com/weave-vtt/backend/pkg/queue"
	"github.com/weave-vtt/backend/pkg/redis"
	"github.com/weave-vtt/backend/pkg/response"
)

const enqueueTimeout = 2 * time.Second

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	// Event store: Postgres in production, in-memory for local play and demos.
	var (
		pool  *pgxpool.Pool
		store eventstore.Store
	)
	if cfg.Database.Driver == config.StoreDriverPostgres {
		pool, err = database.NewPostgresPool(ctx, cfg.Database.DSN(), 0, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store = eventstore.NewRepository(pool, logger)
	} else {
		logger.Warn("using in-memory event store; state is lost on restart")
		store = eventstore.NewMemoryStore()
	}

	// Redis: cross-instance fan-out and the compaction queue.
	var (
		pub      realtime.RedisPublisher
		sub      realtime.RedisSubscriber
		jobQueue *queue.Queue
	)
	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		ps := realtime.NewRedisPubSub(rdb.Client, logger)
		pub, sub = ps, ps
		jobQueue = queue.NewQueue(rdb.Client, logger)
	}
	hub := realtime.NewHub(logger, pub, sub)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.ExpireHours)

	deps := session.Deps{
		Store:       store,
		Authorizer:  jwtService,
		Broadcaster: hub,
		Logger:      logger,
	}
	var memberRepo *membership.Repository
	if pool != nil {
		memberRepo = membership.NewRepository(pool)
		deps.Membership = memberRepo
	}

	// Aggregates leaving memory with events past their last snapshot get compacted by the worker.
	onEvict := func(streamID string, persisted, snapshot int64) {
		if jobQueue == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		if err := jobQueue.EnqueueSnapshotCompact(ctx, queue.SnapshotCompactPayload{
			StreamID:        streamID,
			Version:         persisted,
			SnapshotVersion: snapshot,
		}); err != nil {
			logger.Warn("enqueue snapshot compaction failed", zap.String("stream_id", streamID), zap.Error(err))
		}
	}
	registry := session.NewRegistry(deps, session.Options{
		SnapshotInterval: cfg.Session.SnapshotInterval,
		CommandTimeout:   cfg.Session.CommandTimeout,
	}, onEvict)

	campaignHandler := campaigns.NewHandler(store, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins()))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if pool != nil {
			pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				response.ServiceUnavailable(c, "database unavailable")
				return
			}
		}
		response.OK(c, gin.H{"status": "ok", "live_campaigns": registry.Len(), "store": cfg.Database.Driver})
	})

	// Development token issuance: upserts user, campaign and membership, then signs a token.
	if cfg.DevAuth {
		if pool == nil {
			logger.Fatal("DEV_AUTH_ENABLED requires STORE_DRIVER=postgres")
		}
		authHandler := auth.NewHandler(auth.NewRepository(pool), memberRepo, jwtService, logger)
		router.POST("/dev/token", authHandler.DevToken)
		logger.Warn("development token endpoint enabled")
	}

	// Audit (JWT bound to the campaign; owner or dm)
	api := router.Group("/campaigns/:id")
	api.Use(middleware.JWT(jwtService), middleware.RequireCampaign("id"), middleware.RequireRole(models.RoleOwner, models.RoleDM))
	{
		api.GET("/events", campaignHandler.Events)
		api.GET("/state", campaignHandler.State)
	}

	// WebSocket (token in query or Authorization header)
	router.GET("/ws", realtime.ServeWs(hub, registry, logger, realtime.ClientOptions{
		ChatMaxLength:  cfg.Session.ChatMaxLength,
		AllowedOrigins: cfg.Server.AllowedOrigins(),
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	registry.Close()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

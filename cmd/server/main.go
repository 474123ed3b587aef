// Package main runs the overlay and chat broadcast server with WebSocket and graceful shutdown.
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

	"github.com/stagecast/engine/config"
	"github.com/stagecast/engine/internal/auth"
	"github.com/stagecast/engine/internal/channels"
	"github.com/stagecast/engine/internal/chat"
	"github.com/stagecast/engine/internal/middleware"
	"github.com/stagecast/engine/internal/models"
	"github.com/stagecast/engine/internal/reactions"
	"github.com/stagecast/engine/internal/realtime"
	"github.com/stagecast/engine/internal/registry"
	"github.com/stagecast/engine/internal/worker"
	"github.com/stagecast/engine/pkg/database"
	"github.com/stagecast/engine/pkg/queue"
	"github.com/stagecast/engine/pkg/redis"
	"github.com/stagecast/engine/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)

	// Chat persistence: Postgres behind a Redis history cache.
	store := chat.NewCachedStore(chat.NewPostgresStore(pool), rdb.Client, cfg.Engine.HistoryLimit, logger)
	chatEngine := chat.NewEngine(store, logger)
	audits := chat.NewAuditRepository(pool)

	reg := registry.New(cfg.Engine.ChannelCapacity, logger)
	reg.SetAudienceChangeHandler(func(channelID uuid.UUID, count int) {
		logger.Debug("audience changed", zap.String("channel_id", channelID.String()), zap.Int("count", count))
	})

	agg := reactions.New(cfg.Engine.ReactionCapacity, cfg.Engine.ReactionHorizon)

	hub := realtime.NewHub(reg, chatEngine, agg, realtime.Config{
		HistoryLimit: cfg.Engine.HistoryLimit,
		Heartbeat:    cfg.Engine.HeartbeatInterval,
	}, redisPubSub, redisPubSub, logger)

	// Moderation actions feed the audit trail through the job queue so the
	// broadcast path never waits on the audit write.
	jobQueue := queue.NewQueue(rdb.Client, logger)
	hub.SetModerationHandler(func(channelID, messageID uuid.UUID, action, actorID string) {
		payload := queue.ModerationAuditPayload{
			ChannelID: channelID,
			MessageID: messageID,
			Action:    action,
			ActorID:   actorID,
			Status:    statusFor(action),
		}
		if err := jobQueue.EnqueueModerationAudit(context.Background(), payload); err != nil {
			logger.Warn("enqueue moderation audit failed", zap.Error(err))
		}
	})
	auditProcessor := worker.NewAuditProcessor(audits, jobQueue, logger)

	tokenHandler := auth.NewHandler(jwtService, cfg.Engine.StreamKeyHash, logger)
	channelHandler := channels.NewHandler(reg, chatEngine, audits, logger)

	jwtValidate := func(token string) (string, models.Role, uuid.UUID, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", uuid.Nil, err
		}
		return claims.ParticipantID, claims.Role, claims.ChannelID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Public: token minting (stream key gates the host role)
	router.POST("/channels/:id/tokens", tokenHandler.Mint)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/channels/:id/history", channelHandler.History)
		api.GET("/channels/:id/audience_count", channelHandler.AudienceCount)
		api.GET("/channels/:id/audit", middleware.RequireRole(models.RoleHost), channelHandler.Audit)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (moderation audit trail)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go auditProcessor.Run(workerCtx)
	logger.Info("audit worker started")

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func statusFor(action string) string {
	switch action {
	case "pin":
		return string(models.StatusPinned)
	case "unpin":
		return string(models.StatusActive)
	case "remove":
		return string(models.StatusRemoved)
	case "delete":
		return string(models.StatusDeleted)
	default:
		return action
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

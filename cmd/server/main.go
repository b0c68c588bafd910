// Package main runs the live polling HTTP gateway with WebSocket sessions and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-classroom/livepoll/config"
	"github.com/aura-classroom/livepoll/internal/app"
	"github.com/aura-classroom/livepoll/internal/auth"
	"github.com/aura-classroom/livepoll/internal/metrics"
	"github.com/aura-classroom/livepoll/internal/middleware"
	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/polls"
	"github.com/aura-classroom/livepoll/internal/realtime"
	"github.com/aura-classroom/livepoll/internal/records"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/internal/store"
	"github.com/aura-classroom/livepoll/pkg/queue"
	"github.com/aura-classroom/livepoll/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	metrics.Register()

	ctx := context.Background()
	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer backend.Close()

	// The server reads and writes records under its own origin, like any other context.
	serverStore := store.Open(backend, "server")
	users := records.NewUsers(serverStore)
	results := records.NewResults(serverStore)
	students := records.NewStudents(serverStore)

	var onArchived func(models.PollResult)
	if cfg.Export.Enabled {
		rdb := backend.Redis
		if rdb == nil {
			rdb, err = app.OpenRedis(ctx, cfg, logger)
			if err != nil {
				logger.Fatal("redis", zap.Error(err))
			}
			defer rdb.Close()
		}
		onArchived = exportHook(queue.NewQueue(rdb.Client, logger), logger)
		logger.Info("result export enabled")
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	origins := middleware.ParseOrigins(cfg.Server.CORSAllowedOrigins)
	hub := realtime.NewHub(hubCtx, realtime.Options{
		Backend: backend,
		Session: session.Config{
			DefaultTimeLimit:   cfg.Poll.DefaultTimeLimit,
			CountdownTick:      cfg.Poll.CountdownTick,
			PresenceHeartbeat:  cfg.Poll.PresenceHeartbeat,
			PresenceStaleAfter: cfg.Poll.PresenceStaleAfter,
		},
		OnArchived:  onArchived,
		CheckOrigin: origins.CheckOrigin,
		RateLimit:   cfg.WS.RateLimit,
		RateBurst:   cfg.WS.RateBurst,
	}, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authHandler := auth.NewHandler(users, jwtService, logger)
	pollHandler := polls.NewHandler(results, students, hub, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(origins))

	router.GET("/health", func(c *gin.Context) {
		if _, _, err := backend.Get(c.Request.Context(), "polling_health"); err != nil {
			response.ServiceUnavailable(c, "store unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "store": cfg.Store.Driver})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/auth/register", authHandler.Register)
	router.POST("/auth/login", authHandler.Login)

	api := router.Group("/")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/results", pollHandler.ListResults)
		api.GET("/results/:id", pollHandler.GetResult)
		api.GET("/live", pollHandler.Live)

		teacher := api.Group("/", middleware.RequireRole(models.RoleTeacher))
		teacher.DELETE("/results", pollHandler.ClearResults)
		teacher.DELETE("/results/:id", pollHandler.DeleteResult)
		teacher.GET("/students", pollHandler.ListStudents)
		teacher.GET("/users", authHandler.List)
	}

	// WebSocket (token in query; browsers cannot set headers on the upgrade)
	router.GET("/ws", middleware.JWT(jwtService), realtime.ServeWs(hub))

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout also bounds hijacked WebSocket connections, so it stays off.
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Log every context out first so teachers go offline and students leave cleanly.
	hub.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	hubCancel()
	logger.Info("server stopped")
}

func exportHook(q *queue.Queue, logger *zap.Logger) func(models.PollResult) {
	return func(res models.PollResult) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.EnqueueResultExport(ctx, res); err != nil {
			logger.Error("enqueue result export", zap.String("result_id", res.ID), zap.Error(err))
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}


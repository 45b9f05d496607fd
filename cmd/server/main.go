// Package main runs the course live-broadcast HTTP server with WebSocket
// signaling and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/courseloop/backend/config"
	"github.com/courseloop/backend/internal/auth"
	"github.com/courseloop/backend/internal/courses"
	"github.com/courseloop/backend/internal/live"
	"github.com/courseloop/backend/internal/media"
	"github.com/courseloop/backend/internal/middleware"
	"github.com/courseloop/backend/internal/scheduling"
	"github.com/courseloop/backend/internal/signaling"
	"github.com/courseloop/backend/internal/stats"
	"github.com/courseloop/backend/internal/worker"
	"github.com/courseloop/backend/pkg/database"
	"github.com/courseloop/backend/pkg/metrics"
	"github.com/courseloop/backend/pkg/queue"
	"github.com/courseloop/backend/pkg/redis"
	"github.com/courseloop/backend/pkg/response"
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
	m := metrics.New()

	bridge := signaling.NewRedisBridge(rdb.Client, cfg.Media.InstancePrefix, logger)
	hub := signaling.NewHub(logger, bridge, bridge)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Courses and scheduled sessions
	courseRepo := courses.NewRepository(pool)
	courseHandler := courses.NewHandler(courseRepo)
	sessionRepo := scheduling.NewRepository(pool)
	validator := scheduling.NewValidator(sessionRepo, time.Now)
	sessionHandler := scheduling.NewHandler(sessionRepo, courseRepo, validator, cfg.Live.AdmissionWindow())

	// Live runtime: store, registry, state machine
	liveStore := live.NewPostgresStore(pool)
	registry := live.NewRegistry(liveStore, logger)
	liveSvc := live.NewService(liveStore, courseRepo, registry, hub, cfg.Live.AdmissionWindow(), logger)

	// Media: in-process WebRTC server behind the pipeline orchestrator
	rtcServer := media.NewWebRTCServer(cfg.Media.ICEUrls, logger)
	orchestrator := media.NewOrchestrator(liveStore, rtcServer, hub, m, cfg.Media.InstancePrefix, logger)
	liveSvc.SetMediaReleaser(orchestrator)

	// Attendance and wrap-ups
	statsRepo := stats.NewRepository(pool)
	liveSvc.SetAttendanceLogger(statsRepo)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	liveSvc.SetWrapUpEnqueuer(jobQueue)
	liveSvc.SetStatusMetrics(m)
	wrapUpProcessor := worker.NewWrapUpProcessor(statsRepo, jobQueue, logger)

	liveHandler := live.NewHandler(liveSvc, statsRepo)
	gateway := signaling.NewGateway(liveSvc, orchestrator, rtcServer, hub, m, logger)

	// Element records from a previous run reference media-server state that
	// no longer exists; sweep them before taking traffic.
	if err := orchestrator.ReleaseAll(ctx); err != nil {
		logger.Warn("media recovery sweep", zap.Error(err))
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", m.Handler())

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Users (admin only)
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)
		api.PATCH("/users/:id/disabled", middleware.RequireRole("admin"), authHandler.SetDisabled)

		// Courses
		api.GET("/courses", courseHandler.List)
		api.POST("/courses", middleware.RequireRole("admin", "creator"), courseHandler.Create)
		api.GET("/courses/:id", courseHandler.GetByID)
		api.POST("/courses/:id/subscribe", courseHandler.Subscribe)

		// Scheduled sessions (conflict-validated)
		api.POST("/courses/:id/sessions", middleware.RequireRole("admin", "creator"), sessionHandler.Create)
		api.GET("/courses/:id/sessions", sessionHandler.ListByCourse)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.PATCH("/sessions/:id", middleware.RequireRole("admin", "creator"), sessionHandler.Update)
		api.DELETE("/sessions/:id", middleware.RequireRole("admin", "creator"), sessionHandler.Delete)

		// Live state
		api.GET("/sessions/:id/live", liveHandler.Precheck)
		api.GET("/sessions/:id/live/participants", liveHandler.Participants)
		api.GET("/sessions/:id/live/summary", liveHandler.Summary)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", signaling.ServeWS(hub, gateway, jwtService, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process wrap-up worker; cmd/worker runs the same loop standalone.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go wrapUpProcessor.Run(workerCtx)

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

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

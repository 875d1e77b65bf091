package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/acadplan/timetable-api/api/swagger"
	"github.com/acadplan/timetable-api/internal/handler"
	"github.com/acadplan/timetable-api/internal/middleware"
	"github.com/acadplan/timetable-api/internal/models"
	"github.com/acadplan/timetable-api/internal/repository"
	"github.com/acadplan/timetable-api/internal/service"
	"github.com/acadplan/timetable-api/pkg/cache"
	"github.com/acadplan/timetable-api/pkg/config"
	"github.com/acadplan/timetable-api/pkg/database"
	"github.com/acadplan/timetable-api/pkg/jobs"
	"github.com/acadplan/timetable-api/pkg/logger"
	corsmiddleware "github.com/acadplan/timetable-api/pkg/middleware/cors"
	reqidmiddleware "github.com/acadplan/timetable-api/pkg/middleware/requestid"
	"github.com/acadplan/timetable-api/pkg/storage"
)

// @title Timetable API
// @version 1.0.0
// @description Weekly class timetable generation and management service
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, caching disabled", zap.Error(err))
		redisClient = nil
	}

	exportStorage, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		logr.Fatal("failed to prepare export storage", zap.Error(err))
	}
	signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)

	// Repositories.
	timetableRepo := repository.NewTimetableRepository(db)
	cellRepo := repository.NewTimetableCellRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	metricsService := service.NewMetricsService()
	authService := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})
	timetableService := service.NewTimetableService(timetableRepo, cellRepo, db, cacheRepo, metricsService, nil, logr, service.TimetableServiceConfig{
		ProposalTTL:          cfg.Scheduler.ProposalTTL,
		DefaultAttempts:      cfg.Scheduler.DefaultAttempts,
		MaxAttempts:          cfg.Scheduler.MaxAttempts,
		MaxClasses:           cfg.Scheduler.MaxClasses,
		DefaultStartTime:     cfg.Scheduler.DefaultStartTime,
		DefaultPeriodMinutes: cfg.Scheduler.DefaultPeriodMins,
		CacheEnabled:         cfg.Cache.Enabled && redisClient != nil,
		CacheTTL:             cfg.Cache.TTL,
	})
	exportService := service.NewExportService(timetableService, exportStorage, signer, logr, service.ExportServiceConfig{
		DownloadBasePath: cfg.APIPrefix + "/exports/download",
		ResultTTL:        cfg.Exports.SignedURLTTL,
		CleanupInterval:  cfg.Exports.CleanupInterval,
	})

	exportQueue := jobs.NewQueue("exports", exportService.HandleJob, jobs.QueueConfig{
		Workers:    cfg.Exports.WorkerConcurrency,
		MaxRetries: cfg.Exports.WorkerRetries,
		Logger:     logr,
	})
	exportService.AttachQueue(exportQueue)
	exportQueue.Start(ctx)
	defer exportQueue.Stop()
	exportService.StartCleanup(ctx)

	// Handlers.
	authHandler := handler.NewAuthHandler(authService)
	timetableHandler := handler.NewTimetableHandler(timetableService)
	exportHandler := handler.NewExportHandler(exportService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.Refresh)
			auth.POST("/logout", middleware.JWT(authService), authHandler.Logout)
			auth.GET("/me", middleware.JWT(authService), authHandler.Me)
		}

		// Download links are signed; no session required.
		api.GET("/exports/download/:token", exportHandler.Download)

		protected := api.Group("")
		protected.Use(middleware.JWT(authService))
		{
			protected.GET("/subjects/defaults", timetableHandler.DefaultSubjects)
			protected.GET("/timetables", timetableHandler.List)
			protected.GET("/timetables/:id", timetableHandler.Get)
			protected.GET("/timetables/:id/export", exportHandler.Inline)
			protected.GET("/exports/:id", exportHandler.Status)

			planners := protected.Group("")
			planners.Use(middleware.RequireRoles(models.RoleAdmin, models.RolePlanner))
			{
				planners.POST("/timetables/generate", timetableHandler.Generate)
				planners.POST("/timetables/save", timetableHandler.Save)
				planners.POST("/timetables/:id/publish", timetableHandler.Publish)
				planners.DELETE("/timetables/:id", timetableHandler.Delete)
				planners.POST("/timetables/:id/exports", exportHandler.Create)
			}
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

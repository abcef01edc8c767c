package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/hd-request-api/api/swagger"
	"github.com/noah-isme/hd-request-api/internal/handler"
	"github.com/noah-isme/hd-request-api/internal/middleware"
	"github.com/noah-isme/hd-request-api/internal/models"
	"github.com/noah-isme/hd-request-api/internal/repository"
	"github.com/noah-isme/hd-request-api/internal/service"
	"github.com/noah-isme/hd-request-api/pkg/cache"
	"github.com/noah-isme/hd-request-api/pkg/config"
	"github.com/noah-isme/hd-request-api/pkg/database"
	"github.com/noah-isme/hd-request-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/hd-request-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/hd-request-api/pkg/middleware/requestid"
)

// @title HD Request API
// @version 0.1.0
// @description Workflow engine for Higher Degrees request review
// @BasePath /
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database unavailable", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// Snapshot caching is best-effort; reads fall through to Postgres.
		logr.Sugar().Warnw("redis unavailable, snapshot cache disabled", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close() //nolint:errcheck
	}

	requestRepo := repository.NewRequestRepository(db)
	auditRepo := repository.NewAuditRepository(db, cfg.Audit.MaxPageSize)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	grants := service.NewGrantManager(cfg.Workflow.AccessCodeTTL)
	tokens := service.NewTokenService(cfg.JWT.Secret)

	engine := service.NewRequestService(requestRepo, auditRepo, grants, logr,
		service.WithSnapshotCache(cacheRepo, cfg.Workflow.SnapshotCacheTTL),
		service.WithWorkflowMetrics(metricsSvc),
	)

	sweeper := service.NewGrantSweeper(engine, logr, service.GrantSweeperConfig{
		Interval:  cfg.Workflow.SweepInterval,
		BatchSize: cfg.Workflow.SweepBatchSize,
		Workers:   cfg.Workflow.SweepWorkers,
		Retries:   cfg.Workflow.SweepRetries,
	}, metricsSvc)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sweeper.Start(sweepCtx)

	requestHandler := handler.NewRequestHandler(engine)
	auditHandler := handler.NewAuditHandler(engine)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(tokens))
	{
		requests := api.Group("/requests")
		requests.POST("", middleware.RequireRoles(models.RoleStudent), requestHandler.Create)
		requests.GET("", requestHandler.List)
		requests.GET("/:id", requestHandler.Get)
		requests.GET("/:id/history", requestHandler.History)
		requests.POST("/:id/submit", middleware.RequireRoles(models.RoleStudent), requestHandler.Submit)
		requests.POST("/:id/resubmit", middleware.RequireRoles(models.RoleStudent), requestHandler.Resubmit)
		requests.POST("/:id/open", requestHandler.Open)
		requests.POST("/:id/approve", requestHandler.Approve)
		requests.POST("/:id/forward", requestHandler.Forward)
		requests.POST("/:id/decide", middleware.RequireRoles(models.RoleCoordinator, models.RoleAdmin), requestHandler.Decide)
		requests.POST("/:id/refer-back", requestHandler.ReferBack)

		api.GET("/audit", middleware.RequireRoles(models.RoleCoordinator, models.RoleAdmin), auditHandler.List)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logr.Sugar().Infow("shutting down")
	cancelSweep()
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("shutdown incomplete", "error", err)
	}
}

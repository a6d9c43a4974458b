package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/rostersync/api/swagger"
	"github.com/noah-isme/rostersync/internal/handler"
	"github.com/noah-isme/rostersync/internal/middleware"
	"github.com/noah-isme/rostersync/internal/mirror"
	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/internal/remote"
	"github.com/noah-isme/rostersync/internal/service"
	"github.com/noah-isme/rostersync/internal/store"
	"github.com/noah-isme/rostersync/internal/sync"
	"github.com/noah-isme/rostersync/pkg/config"
	"github.com/noah-isme/rostersync/pkg/database"
	"github.com/noah-isme/rostersync/pkg/jobs"
	"github.com/noah-isme/rostersync/pkg/logger"
	corsmiddleware "github.com/noah-isme/rostersync/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/rostersync/pkg/middleware/requestid"
	"github.com/noah-isme/rostersync/pkg/storage"
)

// @title RosterSync API
// @version 1.0.0
// @description Offline-first roster, attendance and assessment daemon
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rem, err := openRemote(cfg, logr)
	if err != nil {
		logr.Sugar().Fatalw("remote store unavailable", "driver", cfg.Remote.Driver, "error", err)
	}
	defer rem.Close() //nolint:errcheck

	mirrorBackend, err := storage.NewLocalStorage(cfg.Mirror.Dir)
	if err != nil {
		logr.Sugar().Fatalw("mirror directory unusable", "dir", cfg.Mirror.Dir, "error", err)
	}
	mir := mirror.New(mirrorBackend, cfg.Mirror.Debounce, logr, mirror.WithMaxBytes(cfg.Mirror.MaxBytes))
	defer mir.Close()

	metricsSvc := service.NewMetricsService(func() float64 { return float64(mir.FailureCount()) })

	st := store.NewEntityStore()
	queue := sync.NewQueue(mir, logr)
	coord := sync.NewCoordinator(st, mir, rem, queue, cfg.Replay, logr, sync.WithMetrics(metricsSvc))
	coord.Restore()

	go coord.Run(ctx)
	go sync.NewSubscriber(rem, coord, cfg.Feed, logr).Run(ctx)

	syncWorker := service.NewSyncWorker(coord, logr)
	jobQueue := jobs.NewQueue("maintenance", syncWorker.Handle, jobs.QueueConfig{
		Workers:    cfg.Jobs.Workers,
		BufferSize: cfg.Jobs.BufferSize,
		MaxRetries: cfg.Jobs.MaxRetries,
		RetryDelay: cfg.Jobs.RetryDelay,
		Logger:     logr,
	})
	jobQueue.Start(ctx)

	var snapshots *storage.LocalStorage
	var signer *storage.SignedURLSigner
	if cfg.Snapshot.Enabled {
		snapshots, err = storage.NewLocalStorage(cfg.Snapshot.Dir)
		if err != nil {
			logr.Sugar().Fatalw("snapshot directory unusable", "dir", cfg.Snapshot.Dir, "error", err)
		}
		signer = storage.NewSignedURLSigner(cfg.Snapshot.SignedURLSecret, cfg.Snapshot.SignedURLTTL)
	}

	authSvc := service.NewAuthService(st, rem, nil, logr, service.AuthConfig{
		Secret:        cfg.JWT.Secret,
		AccessExpiry:  cfg.JWT.Expiration,
		RefreshExpiry: cfg.JWT.RefreshExpiration,
	})
	studentSvc := service.NewStudentService(st, coord, nil, logr)
	groupSvc := service.NewGroupService(st, coord, nil, logr)
	attendanceSvc := service.NewAttendanceService(st, coord, nil, logr)
	assessmentSvc := service.NewAssessmentService(st, coord, nil, logr)
	accountSvc := service.NewAccountService(st, coord, rem, nil, logr)
	exportSvc := service.NewExportService(st, logr)
	syncSvc := service.NewSyncService(coord, jobQueue, snapshots, signer, cfg.Mirror.Dir, cfg.Snapshot, logr)
	syncSvc.StartCleanup(ctx)

	authHandler := handler.NewAuthHandler(authSvc, st)
	studentHandler := handler.NewStudentHandler(studentSvc)
	groupHandler := handler.NewGroupHandler(groupSvc, exportSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc)
	assessmentHandler := handler.NewAssessmentHandler(assessmentSvc)
	accountHandler := handler.NewAccountHandler(accountSvc)
	syncHandler := handler.NewSyncHandler(syncSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, syncSvc, rem)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	r.GET("/files/snapshots", syncHandler.Download)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/refresh", authHandler.Refresh)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))
	authed.Use(middleware.Audit(logr))

	authed.POST("/auth/logout", authHandler.Logout)
	authed.GET("/auth/me", authHandler.Me)

	authed.GET("/students", studentHandler.List)
	authed.GET("/students/:id", studentHandler.Get)
	authed.POST("/students", studentHandler.Create)
	authed.PUT("/students/:id", studentHandler.Update)
	authed.DELETE("/students/:id", studentHandler.Delete)

	authed.GET("/groups", groupHandler.List)
	authed.GET("/groups/:id", groupHandler.Get)
	authed.GET("/groups/:id/sheet", groupHandler.Sheet)
	authed.POST("/groups", middleware.RequireAdmin(), groupHandler.Create)
	authed.PUT("/groups/:id", middleware.RequireAdmin(), groupHandler.Update)
	authed.DELETE("/groups/:id", middleware.RequireAdmin(), groupHandler.Delete)

	authed.GET("/attendance", attendanceHandler.List)
	authed.POST("/attendance", attendanceHandler.Mark)
	authed.POST("/attendance/bulk", attendanceHandler.BulkMark)
	authed.PUT("/attendance/:id", attendanceHandler.Update)
	authed.DELETE("/attendance/:id", attendanceHandler.Delete)

	authed.GET("/assessments", assessmentHandler.List)
	authed.GET("/assessments/:id", assessmentHandler.Get)
	authed.POST("/assessments", assessmentHandler.Create)
	authed.PUT("/assessments/:id", assessmentHandler.Update)
	authed.DELETE("/assessments/:id", assessmentHandler.Delete)
	authed.POST("/assessments/export/preview", assessmentHandler.ExportPreview)
	authed.POST("/assessments/export", assessmentHandler.Export)
	authed.POST("/assessments/:id/review", middleware.RequireAdmin(), assessmentHandler.Review)
	authed.POST("/assessments/:id/unlock", middleware.RequireAdmin(), assessmentHandler.Unlock)

	accounts := authed.Group("/accounts")
	accounts.GET("", middleware.RequireAdmin(), accountHandler.List)
	accounts.GET("/:id", middleware.RequireRoles(string(models.RoleAdmin), middleware.RoleSelf), accountHandler.Get)
	accounts.POST("", middleware.RequireAdmin(), accountHandler.Create)
	accounts.PUT("/:id", middleware.RequireAdmin(), accountHandler.Update)
	accounts.PUT("/:id/password", middleware.RequireRoles(string(models.RoleAdmin), middleware.RoleSelf), accountHandler.ChangePassword)
	accounts.DELETE("/:id", middleware.RequireAdmin(), accountHandler.Delete)

	syncRoutes := authed.Group("/sync")
	syncRoutes.GET("/status", syncHandler.Status)
	syncRoutes.GET("/pending", syncHandler.Pending)
	syncRoutes.POST("/rebuild", middleware.RequireAdmin(), syncHandler.Rebuild)
	syncRoutes.GET("/snapshot", middleware.RequireAdmin(), syncHandler.Snapshot)

	authed.GET("/system/metrics", middleware.RequireAdmin(), metricsHandler.System)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("daemon started", "addr", srv.Addr, "env", cfg.Env, "driver", cfg.Remote.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("server shutdown", "error", err)
	}
	jobQueue.Stop()
	coord.Flush()
}

func openRemote(cfg *config.Config, logr *zap.Logger) (remote.Store, error) {
	switch cfg.Remote.Driver {
	case config.DriverRedis:
		client, err := database.NewRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return remote.NewRedisStore(client, logr), nil
	case config.DriverPostgres:
		db, err := database.NewPostgres(cfg.Database)
		if err != nil {
			return nil, err
		}
		return remote.NewPostgresStore(db, database.DSN(cfg.Database), logr)
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}
}

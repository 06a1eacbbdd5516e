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
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/uni-registrar-api/internal/handler"
	"github.com/noah-isme/uni-registrar-api/internal/middleware"
	"github.com/noah-isme/uni-registrar-api/internal/models"
	"github.com/noah-isme/uni-registrar-api/internal/repository"
	"github.com/noah-isme/uni-registrar-api/internal/service"
	"github.com/noah-isme/uni-registrar-api/pkg/cache"
	"github.com/noah-isme/uni-registrar-api/pkg/config"
	"github.com/noah-isme/uni-registrar-api/pkg/database"
	"github.com/noah-isme/uni-registrar-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/uni-registrar-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/uni-registrar-api/pkg/middleware/requestid"
)

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	termRepo := repository.NewTermRepository(db)
	sectionRepo := repository.NewSectionRepository(db)
	holdRepo := repository.NewHoldRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)

	metricsSvc := service.NewMetricsService()

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "uni-registrar-api",
	})

	notifier := service.NewNotificationService(redisClient, service.NotificationConfig{
		StreamKey:  cfg.Registration.EventStreamKey,
		Workers:    cfg.Registration.NotifyWorkers,
		MaxRetries: cfg.Registration.NotifyMaxRetries,
		RetryDelay: cfg.Registration.NotifyRetryDelay,
	}, logr)
	notifier.Start(ctx)
	defer notifier.Stop()

	gate := service.NewEligibilityGate(holdRepo, enrollmentRepo, studentRepo, sectionRepo, termRepo, logr)
	registrationSvc := service.NewRegistrationService(enrollmentRepo, sectionRepo, termRepo, gate, notifier, metricsSvc, validate, logr)
	sectionSvc := service.NewSectionService(sectionRepo, termRepo, registrationSvc, redisClient, cfg.Registration.RosterCacheTTL, validate, logr)
	studentSvc := service.NewStudentService(studentRepo, validate, logr)
	termSvc := service.NewTermService(termRepo, validate, logr)
	holdSvc := service.NewHoldService(holdRepo, studentRepo, validate, logr)

	sweeper := service.NewWaitlistSweeper(enrollmentRepo, registrationSvc, cfg.Registration.SweepInterval, logr)
	sweeper.Start(ctx)

	authHandler := handler.NewAuthHandler(authSvc)
	studentHandler := handler.NewStudentHandler(studentSvc)
	termHandler := handler.NewTermHandler(termSvc)
	sectionHandler := handler.NewSectionHandler(sectionSvc)
	holdHandler := handler.NewHoldHandler(holdSvc)
	registrationHandler := handler.NewRegistrationHandler(registrationSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/forgot-password", authHandler.ForgotPassword)
	auth.POST("/reset-password", authHandler.ResetPassword)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))

	authed.POST("/auth/logout", authHandler.Logout)
	authed.POST("/auth/change-password", authHandler.ChangePassword)
	authed.GET("/auth/me", authHandler.Me)

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleRegistrar)

	authed.GET("/terms", termHandler.List)
	authed.GET("/terms/:id", termHandler.Get)
	authed.POST("/terms", staff, termHandler.Create)

	authed.GET("/sections", sectionHandler.List)
	authed.GET("/sections/:id", sectionHandler.Get)
	authed.GET("/sections/:id/roster", sectionHandler.Roster)
	authed.POST("/sections", staff, sectionHandler.Create)
	authed.PATCH("/sections/:id/capacity", staff,
		middleware.Audit(userRepo, models.AuditActionCapacityChange, "sections"),
		sectionHandler.UpdateCapacity)
	authed.POST("/sections/:id/promote", staff, registrationHandler.Promote)

	authed.GET("/students", staff, studentHandler.List)
	authed.GET("/students/:id", studentHandler.Get)
	authed.POST("/students", staff, studentHandler.Create)
	authed.PUT("/students/:id", staff, studentHandler.Update)
	authed.DELETE("/students/:id", staff, studentHandler.Delete)
	authed.GET("/students/:id/holds", staff, holdHandler.ListByStudent)

	authed.POST("/holds", staff,
		middleware.Audit(userRepo, models.AuditActionHoldPlace, "holds"),
		holdHandler.Place)
	authed.DELETE("/holds/:id", staff,
		middleware.Audit(userRepo, models.AuditActionHoldResolve, "holds"),
		holdHandler.Resolve)

	authed.POST("/registrations",
		middleware.Audit(userRepo, models.AuditActionRegister, "enrollments"),
		registrationHandler.Register)
	authed.GET("/enrollments", registrationHandler.List)
	authed.GET("/enrollments/:id", registrationHandler.Get)
	authed.DELETE("/enrollments/:id",
		middleware.Audit(userRepo, models.AuditActionWithdraw, "enrollments"),
		registrationHandler.Withdraw)
	authed.POST("/enrollments/:id/swap",
		middleware.Audit(userRepo, models.AuditActionSwap, "enrollments"),
		registrationHandler.Swap)
	authed.POST("/enrollments/:id/complete", staff,
		middleware.Audit(userRepo, models.AuditActionComplete, "enrollments"),
		registrationHandler.Complete)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}

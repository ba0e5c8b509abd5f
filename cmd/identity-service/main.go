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

	_ "github.com/thehive/identity-service/api/swagger"
	"github.com/thehive/identity-service/internal/handler"
	"github.com/thehive/identity-service/internal/middleware"
	"github.com/thehive/identity-service/internal/notification"
	"github.com/thehive/identity-service/internal/repository"
	"github.com/thehive/identity-service/internal/service"
	"github.com/thehive/identity-service/internal/token"
	"github.com/thehive/identity-service/pkg/cache"
	"github.com/thehive/identity-service/pkg/config"
	"github.com/thehive/identity-service/pkg/database"
	"github.com/thehive/identity-service/pkg/ids"
	"github.com/thehive/identity-service/pkg/logger"
	corsmiddleware "github.com/thehive/identity-service/pkg/middleware/cors"
	reqidmiddleware "github.com/thehive/identity-service/pkg/middleware/requestid"
)

// @title The Hive Identity Service
// @version 1.0.0
// @description Authentication, session and account management for The Hive platform
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching and notifications degraded", "error", err)
		redisClient = nil
	}

	generator, err := ids.NewNode(cfg.Auth.NodeID)
	if err != nil {
		logr.Sugar().Fatalw("failed to init id generator", "error", err)
	}

	signer, err := token.NewSigner(cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.Issuer)
	if err != nil {
		logr.Sugar().Fatalw("failed to init token signer", "error", err)
	}

	s2sValidator, err := token.NewS2SValidator(cfg.S2S.SharedSecret, cfg.S2S.ClockSkew)
	if err != nil {
		logr.Sugar().Fatalw("failed to init s2s validator", "error", err)
	}

	denylist := token.NewDenylist(cfg.Blacklist.EntryTTL, cfg.Blacklist.MaxEntries)
	defer denylist.Close()

	producer := notification.NewProducer(ctx, redisClient, cfg.Notification.Queue, cfg.Notification.FrontendURL, logr)
	defer producer.Stop()

	userRepo := repository.NewUserRepository(db, generator)
	tokenRepo := repository.NewTokenRepository(db, generator)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()
	metricsSvc.RegisterDenylistGauge(denylist.Len)

	refreshSvc := service.NewRefreshTokenService(tokenRepo, userRepo, signer.TTL(), logr)
	authSvc := service.NewAuthService(
		userRepo, tokenRepo,
		service.NewPasswordVerifier(userRepo, logr),
		signer, denylist, refreshSvc, producer, metricsSvc,
		service.AuthServiceConfig{
			AllowedSignupRoles: cfg.Auth.AllowedSignupRoles,
			ResetTokenTTL:      cfg.Auth.ResetTokenTTL,
		},
		logr,
	)
	userSvc := service.NewUserService(userRepo, refreshSvc, cacheRepo, logr)

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc, authSvc)
	internalHandler := handler.NewInternalHandler(userSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

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

	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)
		// Logout reads the bearer header itself: an expired token must still
		// be revocable, so it cannot sit behind the JWT middleware.
		auth.POST("/logout", authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(signer, denylist), userHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(signer, denylist), authHandler.Me)
	}

	users := api.Group("/users", middleware.JWT(signer, denylist))
	{
		users.DELETE("/me", userHandler.DeactivateSelf)
	}

	admin := api.Group("/admin/users", middleware.JWT(signer, denylist), middleware.RequireRoles("ADMIN"))
	{
		admin.GET("", userHandler.List)
		admin.POST("/:id/deactivate", userHandler.Deactivate)
		admin.DELETE("/:id", userHandler.HardDelete)
	}

	internal := r.Group("/api/internal", middleware.S2S(s2sValidator))
	{
		internal.GET("/users/:id", internalHandler.GetUserSummary)
		internal.POST("/users/resolve", internalHandler.ResolveUserSummaries)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
	logr.Info("server stopped")
}

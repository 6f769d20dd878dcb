package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/workplane/platform/internal/handler"
	"github.com/workplane/platform/internal/middleware"
	"github.com/workplane/platform/internal/repository"
	"github.com/workplane/platform/internal/service"
	"github.com/workplane/platform/pkg/cache"
	"github.com/workplane/platform/pkg/config"
	"github.com/workplane/platform/pkg/database"
	"github.com/workplane/platform/pkg/logger"
	corsmiddleware "github.com/workplane/platform/pkg/middleware/cors"
	reqidmiddleware "github.com/workplane/platform/pkg/middleware/requestid"
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(context.Background(), cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(context.Background(), cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}

	users := repository.NewUserRepository(db)
	tokens := repository.NewTokenRepository(redisClient, logr)
	defer tokens.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := service.NewQueueNotifier(ctx, service.LogSender(logr), logr)
	defer notifier.Stop()

	authSvc := service.NewAuthService(users, tokens, notifier, validator.New(), logr, service.AuthConfig{
		AccessTokenSecret:  cfg.Token.Secret,
		AccessTokenExpiry:  cfg.Token.AccessExpiry,
		RefreshTokenExpiry: cfg.Token.RefreshExpiry,
		ResetTokenExpiry:   cfg.Token.ResetExpiry,
		Issuer:             cfg.Token.Issuer,
	})
	authHandler := handler.NewAuthHandler(authSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", handler.Health("Auth Service"))

	auth := r.Group(cfg.APIPrefix + "/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/logout", authHandler.Logout)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("auth service starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("auth service failed", "error", err)
	}
}

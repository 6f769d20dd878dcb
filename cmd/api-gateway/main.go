package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/workplane/platform/internal/handler"
	"github.com/workplane/platform/internal/middleware"
	"github.com/workplane/platform/internal/proxy"
	"github.com/workplane/platform/internal/service"
	"github.com/workplane/platform/pkg/cache"
	"github.com/workplane/platform/pkg/config"
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

	metrics := service.NewMetricsService()

	var counters middleware.CounterStore
	if redisClient, err := cache.NewRedis(context.Background(), cfg.Redis); err != nil {
		logr.Sugar().Warnw("redis unavailable, using in-process rate windows", "error", err)
		counters = middleware.NewMemoryCounterStore()
	} else {
		counters = middleware.NewRedisCounterStore(redisClient, "ratelimit")
	}
	limiter := middleware.NewRateLimiter(counters, cfg.RateLimit, logr, metrics)

	router, err := proxy.NewRouter(proxy.Rules(cfg.APIPrefix, cfg.Services), cfg.Proxy, logr, metrics)
	if err != nil {
		logr.Sugar().Fatalw("invalid route table", "error", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))
	r.Use(limiter.Global())

	r.GET("/health", handler.Health("API Gateway"))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// The login path carries the stricter credential-guessing window on
	// top of the global budget.
	dispatch := router.Handler()
	r.POST(cfg.APIPrefix+"/auth/login", limiter.Login(), dispatch)
	r.NoRoute(dispatch)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("gateway starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("gateway failed", "error", err)
	}
}

package router

import (
	"fmt"
	"strings"

	"github.com/youjin-ai/payflow/internal/cache"
	"github.com/youjin-ai/payflow/internal/config"
	publichandlers "github.com/youjin-ai/payflow/internal/http/handlers/public"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/provider"

	"github.com/gin-gonic/gin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	publicHandler := publichandlers.New(c)
	redisPrefix := strings.TrimSpace(cfg.Redis.Prefix)
	if redisPrefix == "" {
		redisPrefix = "pf"
	}
	redisClient := cache.Client()
	sessionRule := RateLimitRule{
		Prefix:        fmt.Sprintf("%s:rate:session_create", redisPrefix),
		WindowSeconds: cfg.Security.SessionRateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.SessionRateLimit.MaxRequests,
		Message:       "支付请求过于频繁",
	}

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware(cfg.CORS))

	apiV1 := r.Group("/api/v1")
	{
		// 支付会话：游客可用，带令牌则按登录用户记账
		sessions := apiV1.Group("/payment/sessions")
		sessions.Use(OptionalUserAuthMiddleware(cfg.Auth.JWTSecret))
		{
			sessions.POST("", RateLimitMiddleware(redisClient, sessionRule, KeyByIP), publicHandler.CreatePaymentSession)
			sessions.GET("/:id", publicHandler.GetPaymentSession)
			sessions.POST("/:id/events", publicHandler.PostPaymentSessionEvent)
			sessions.POST("/:id/retry", publicHandler.RetryPaymentSession)
			sessions.DELETE("/:id", publicHandler.ClosePaymentSession)
		}

		// 需登录的接口
		user := apiV1.Group("/payment")
		user.Use(RequireUserAuthMiddleware(cfg.Auth.JWTSecret))
		{
			user.GET("/sessions", publicHandler.ListPaymentSessions)
			user.POST("/guest-claims/claim", publicHandler.ClaimGuestOrder)
		}
	}

	// 健康检查
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

package api

import (
	"time"

	"github.com/apk-analysis/droidscan/internal/api/handlers"
	"github.com/apk-analysis/droidscan/internal/config"
	"github.com/apk-analysis/droidscan/internal/metrics"
	"github.com/apk-analysis/droidscan/internal/middleware"
	"github.com/apk-analysis/droidscan/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Version 服务版本
const Version = "1.0.0"

// Deps 路由依赖
type Deps struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Service service.AnalysisService
	Hub     *handlers.EventHub
	Metrics *metrics.PrometheusMetrics // 可为 nil
}

func SetupRouter(deps Deps) *gin.Engine {
	if deps.Config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	// 分析事件推送
	r.GET("/ws", deps.Hub.HandleWebSocket)

	reportHandler := handlers.NewReportHandler(deps.Service, deps.Logger)

	v1 := r.Group("/api")
	v1.Use(middleware.AuthMiddleware(deps.Config.Server.APIToken))
	{
		v1.GET("/reports", reportHandler.ListReports)
		v1.GET("/reports/:id", reportHandler.GetReport)
		v1.DELETE("/reports/:id", reportHandler.DeleteReport)
		v1.POST("/analyses", reportHandler.SubmitAnalysis)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

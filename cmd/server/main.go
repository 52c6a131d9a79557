package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tryon/internal/api"
	"tryon/internal/config"
	"tryon/internal/llm"
	"tryon/internal/media"
	"tryon/internal/quota"
	"tryon/internal/service"
	"tryon/internal/storage"

	_ "embed"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

//go:embed web/dist/index.html
var indexHTML string

func main() {
	// 初始化配置
	cfg, err := config.ParseConfig()
	if err != nil {
		logrus.WithError(err).Error("Failed to parse config")
		return
	}

	// 初始化logger
	logrus.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(strings.TrimSpace(cfg.LogLevel)); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	// 体验码注册表缺失时拒绝启动，避免放进来一个永远 401 的服务
	registry, err := quota.LoadRegistry(cfg.AccessCodesJSON, cfg.AccessCodesPath)
	if err != nil {
		if errors.Is(err, quota.ErrConfigMissing) {
			logrus.WithError(err).Error("access code registry is missing or empty, set ACCESS_CODES_JSON or ACCESS_CODES_PATH")
		} else {
			logrus.WithError(err).Error("failed to load access code registry")
		}
		return
	}

	ledger, err := quota.NewLedgerStore(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise quota ledger")
		return
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close quota ledger")
		}
	}()

	gate := quota.NewGate(registry, ledger)

	store, err := storage.NewStorage(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise storage")
		return
	}

	composer, err := llm.NewComposer(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise generation driver")
		return
	}

	tryOnService := service.NewTryOnService(gate, composer, media.NewNormalizer(), store, cfg.TryOnPrompt, cfg.ScratchDir)

	httpHandler, err := api.NewHTTPHandler(cfg, gate, ledger, tryOnService, store)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise http handler")
		return
	}

	// 设置Gin模式
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// 添加中间件
	r.Use(LoggingMiddleware())
	r.Use(CORSMiddleware())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.NoRoute(func(c *gin.Context) {
		api.NotFound(c, api.ErrCodeNotFound, "资源不存在")
	})

	apiGroup := r.Group("/api")
	apiGroup.POST("/session", httpHandler.CreateSession)

	protected := apiGroup.Group("")
	protected.Use(httpHandler.AuthMiddleware())
	protected.GET("/session", httpHandler.SessionDetail)
	protected.GET("/session/quota", httpHandler.SessionQuota)
	protected.GET("/session/history", httpHandler.ListHistory)
	protected.DELETE("/session/history", httpHandler.ClearHistory)
	protected.DELETE("/session/history/:index", httpHandler.DeleteHistoryItem)
	protected.POST("/tryon", httpHandler.TryOn)
	protected.GET("/events", httpHandler.StreamBatchEvents)

	// 管理端仅在配置了密码时注册
	if strings.TrimSpace(cfg.AdminPassword) != "" {
		apiGroup.POST("/admin/login", httpHandler.AdminLogin)

		admin := protected.Group("/admin")
		admin.Use(httpHandler.RequireAdmin())
		admin.GET("/codes", httpHandler.AdminCodesOverview)
		admin.GET("/usage", httpHandler.AdminUsageDump)
	}

	if localProvider, ok := store.(storage.LocalBaseDirProvider); ok {
		publicPrefix := strings.TrimSpace(cfg.StoragePublicBaseURL)
		if publicPrefix == "" {
			publicPrefix = "/files"
		}
		if !strings.HasPrefix(publicPrefix, "http://") && !strings.HasPrefix(publicPrefix, "https://") {
			if !strings.HasPrefix(publicPrefix, "/") {
				publicPrefix = "/" + publicPrefix
			}
			r.Static(publicPrefix, localProvider.LocalBaseDir())
		}
	}

	//前端资源
	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
	})

	serverHost := fmt.Sprintf("0.0.0.0:%s", cfg.HTTPPort)
	logrus.WithField("host", serverHost).Info("服务器启动")
	// 生成调用耗时以分钟计，读写超时放宽到 15 分钟
	httpServer := &http.Server{
		Addr:         serverHost,
		Handler:      r,
		ReadTimeout:  900 * time.Second,
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  1200 * time.Second,
	}
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Error("服务器启动失败")
	}
}

// CORSMiddleware CORS跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggingMiddleware 日志记录中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		// 处理请求
		c.Next()
		// 记录请求结束
		duration := time.Since(start)
		logrus.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  duration.String(),
			"size":      c.Writer.Size(),
			"client_ip": c.ClientIP(),
		}).Info("http_request")
	}
}

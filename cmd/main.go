package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llm-toolfix/core"
	"llm-toolfix/core/locator"
	"llm-toolfix/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("TOOLFIX_CONFIG"), "path to config yaml")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := core.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	// 🔇 关闭 Gin Debug 模式输出
	gin.SetMode(gin.ReleaseMode)

	var audit core.AuditSink
	var db *gorm.DB
	if cfg.Audit.Enabled {
		db, err = initDatabase(cfg.Database, log)
		if err != nil {
			log.Fatal("Failed to initialize database: ", err)
		}
		asyncLogger := core.NewAsyncHookLogger(db, log, cfg.Audit.Retention)
		defer asyncLogger.Close()
		audit = asyncLogger
	}

	interceptor := core.NewInterceptor(locator.Default(), log)
	hookHandler := core.NewHookHandler(interceptor, audit, log)

	var proxyHandler *core.ProxyHandler
	if cfg.ProxyEnabled() {
		proxyHandler, err = newProxyHandler(cfg, interceptor, audit, log)
		if err != nil {
			log.Fatal("Failed to create proxy handler: ", err)
		}
	}

	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())

	limiter := NewIPRateLimiter(rate.Limit(cfg.Limit.RPS), cfg.Limit.Burst)
	setupRoutes(engine, cfg, interceptor, hookHandler, proxyHandler, limiter, db, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("Starting tool schema fixer on port %d (proxy mode: %v)", cfg.Port, proxyHandler != nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown: ", err)
	}

	log.Info("Server exited")
}

// initDatabase 初始化审计数据库
func initDatabase(path string, log *logrus.Logger) (*gorm.DB, error) {
	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Infof("Audit database initialized at %s", path)
	return db, nil
}

// newProxyHandler 解密上游密钥并创建透传代理
func newProxyHandler(cfg *core.Config, interceptor *core.Interceptor, audit core.AuditSink, log *logrus.Logger) (*core.ProxyHandler, error) {
	sp, err := core.NewSecretProvider(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	apiKey, err := cfg.ResolveUpstreamKey(sp)
	if err != nil {
		return nil, err
	}
	log.Infof("Proxy upstream: %s (key: %s)", cfg.Upstream.URL, models.MaskAPIKey(apiKey))
	return core.NewProxyHandler(interceptor, audit, log, core.NewUpstreamClient(), cfg.Upstream, apiKey)
}

// setupRoutes 设置路由
func setupRoutes(
	engine *gin.Engine,
	cfg *core.Config,
	interceptor *core.Interceptor,
	hookHandler *core.HookHandler,
	proxyHandler *core.ProxyHandler,
	limiter *IPRateLimiter,
	db *gorm.DB,
	log *logrus.Logger,
) {
	// 公开路由 - 无需鉴权，无访问日志
	engine.GET("/", handleRoot(interceptor, proxyHandler != nil))
	engine.GET("/health", handleHealth(interceptor, proxyHandler != nil))

	// 回调接口：由宿主框架对每个请求调用，失败会连带宿主请求失败，不做限流
	api := engine.Group("/v1")
	api.Use(requestLoggerMiddleware(log))
	{
		api.POST("/hooks/tool-fixer", hookHandler.HandleHook)
		api.POST("/hooks/locate", hookHandler.HandleLocate)
		api.GET("/hooks/ws", hookHandler.HandleHookStream)
	}

	// 面向人或客户端直连的接口按 IP 限流
	limited := api.Group("")
	limited.Use(RateLimitMiddleware(limiter, log))
	{
		limited.POST("/schema/simplify", hookHandler.HandleSimplify)

		if proxyHandler != nil {
			limited.POST("/chat/completions", proxyHandler.HandleChatCompletions)
		}
	}

	// 管理接口 - 需要 admin token
	if db != nil && cfg.Admin.Token != "" {
		admin := engine.Group("/admin")
		admin.Use(RateLimitMiddleware(limiter, log))
		admin.Use(AuthMiddleware(cfg.Admin.Token))
		{
			admin.GET("/stats", handleStats(db))
			admin.GET("/logs", handleRecentLogs(db))
		}
	}
}

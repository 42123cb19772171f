package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/edgeplane/sentinel/internal/application/usecase"
	"github.com/edgeplane/sentinel/internal/domain/command"
	"github.com/edgeplane/sentinel/internal/domain/device"
	"github.com/edgeplane/sentinel/internal/domain/extension"
	"github.com/edgeplane/sentinel/internal/domain/rule"
	"github.com/edgeplane/sentinel/internal/domain/service"
	"github.com/edgeplane/sentinel/internal/domain/telemetry"
	"github.com/edgeplane/sentinel/internal/infrastructure/prompt"
	"github.com/edgeplane/sentinel/internal/interfaces/http/handlers"
	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // "production" selects gin release mode; any other value selects debug mode
}

// GatewayDeps bundles the edge gateway domain components exposed over
// HTTP. A nil TelemetryStore disables all gateway routes — e.g. CLI
// mode builds a Server without any of this wired in. The other domain
// fields are not nil-checked once TelemetryStore is set.
type GatewayDeps struct {
	TelemetryStore  *telemetry.Store
	RuleEngine      *rule.Engine
	CommandPipeline *command.Pipeline
	DeviceManager   *device.Manager
	Extensions      *extension.Registry

	// MetricsHandler serves Prometheus-format text metrics; nil disables
	// the /metrics route entirely.
	MetricsHandler http.Handler
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, uc *usecase.ProcessMessageUseCase, agentLoop *service.AgentLoop, toolExec service.ToolExecutor, promptEngine *prompt.PromptEngine, gw GatewayDeps, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	// 初始化处理器
	messageHandler := handlers.NewMessageHandler(uc, logger)
	openaiHandler := handlers.NewOpenAIHandler(uc, logger, nil)
	var agentHandler *handlers.AgentHandler
	if agentLoop != nil {
		agentHandler = handlers.NewAgentHandler(agentLoop, toolExec, promptEngine, logger)
	}
	var gatewayHandler *handlers.GatewayHandler
	if gw.TelemetryStore != nil {
		gatewayHandler = handlers.NewGatewayHandler(gw.TelemetryStore, gw.RuleEngine, gw.CommandPipeline, gw.DeviceManager, gw.Extensions, logger)
	}

	// 注册路由
	setupRoutes(router, messageHandler, openaiHandler, agentHandler, gatewayHandler, gw.MetricsHandler)

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, messageHandler *handlers.MessageHandler, openaiHandler *handlers.OpenAIHandler, agentHandler *handlers.AgentHandler, gatewayHandler *handlers.GatewayHandler, metricsHandler http.Handler) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	// API版本1
	v1 := router.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"message": "pong",
			})
		})

		v1.POST("/messages", messageHandler.SendMessage)

		// Agent Loop endpoints (SSE streaming)
		if agentHandler != nil {
			v1.POST("/agent", agentHandler.RunAgent)
			v1.GET("/agent/tools", agentHandler.GetTools)
		}

		// Gateway domain: telemetry, rules, commands, devices, extensions
		if gatewayHandler != nil {
			v1.GET("/telemetry/:device/:metric", gatewayHandler.QueryTelemetry)
			v1.GET("/telemetry/:device/:metric/latest", gatewayHandler.QueryLatestTelemetry)
			v1.GET("/rules", gatewayHandler.ListRules)
			v1.POST("/rules", gatewayHandler.CreateRule)
			v1.DELETE("/rules/:name", gatewayHandler.DeleteRule)
			v1.POST("/commands", gatewayHandler.SubmitCommand)
			v1.GET("/commands/:id", gatewayHandler.GetCommand)
			v1.GET("/devices", gatewayHandler.ListDevices)
			v1.GET("/devices/adapters", gatewayHandler.ListAdapters)
			v1.GET("/extensions", gatewayHandler.ListExtensions)
		}
	}

	// OpenAI-compatible API
	oai := router.Group("/v1")
	{
		oai.POST("/chat/completions", openaiHandler.ChatCompletions)
		oai.GET("/models", openaiHandler.ListModels)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
